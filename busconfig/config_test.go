/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package busconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	c := DefaultConfig()
	c.HandshakeTimeout = 0
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.CallTimeout = -time.Second
	require.Error(t, c.Validate())

	c = DefaultConfig()
	c.MonitoringPort = -1
	require.Error(t, c.Validate())
}

func TestReadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busctl.yaml")
	contents := "address: \"unix:path=/tmp/custom\"\nmonitoring_port: 9107\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "unix:path=/tmp/custom", c.Address)
	require.Equal(t, 9107, c.MonitoringPort)
	// Fields absent from the file keep DefaultConfig's values.
	require.Equal(t, 5*time.Second, c.HandshakeTimeout)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPrepareConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: \"unix:path=/tmp/from-file\"\n"), 0o644))

	cfg, err := PrepareConfig(path, "unix:path=/tmp/from-flag", 0, 0, 0, map[string]bool{"address": true})
	require.NoError(t, err)
	require.Equal(t, "unix:path=/tmp/from-flag", cfg.Address)
}

func TestPrepareConfigNoFileUsesDefaultsPlusFlags(t *testing.T) {
	cfg, err := PrepareConfig("", "", 0, 0, 9200, map[string]bool{"monitoringport": true})
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.MonitoringPort)
	require.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
}

func TestPrepareConfigRejectsInvalidResult(t *testing.T) {
	_, err := PrepareConfig("", "", -time.Second, 0, 0, map[string]bool{"handshake-timeout": true})
	require.Error(t, err)
}
