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

package address

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnixPath(t *testing.T) {
	addr, err := Parse("unix:path=/tmp/my-bus")
	require.NoError(t, err)
	assert.Equal(t, KindUnixPath, addr.Kind)
	assert.Equal(t, "/tmp/my-bus", addr.Path)
	assert.Equal(t, RoleBusClient, addr.Role)
}

func TestParseUnixAbstract(t *testing.T) {
	addr, err := Parse("unix:abstract=my-bus,guid=deadbeef")
	require.NoError(t, err)
	assert.Equal(t, KindAbstractUnix, addr.Kind)
	assert.Equal(t, "my-bus", addr.Path)
	assert.Equal(t, "deadbeef", addr.GUID)
}

func TestParseTCPWithDefaults(t *testing.T) {
	addr, err := Parse("tcp:port=12345")
	require.NoError(t, err)
	assert.Equal(t, KindTCP, addr.Kind)
	assert.Equal(t, "localhost", addr.Host)
	assert.Equal(t, 12345, addr.Port)
}

func TestParseTCPExplicitHost(t *testing.T) {
	addr, err := Parse("tcp:host=127.0.0.1,port=555")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.Equal(t, 555, addr.Port)
}

func TestParseOnlyFirstOfSemicolonList(t *testing.T) {
	addr, err := Parse("unix:path=/tmp/a;unix:path=/tmp/b")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a", addr.Path)
}

func TestParseRejectsMissingScheme(t *testing.T) {
	_, err := Parse("path=/tmp/a")
	assert.Error(t, err)
}

func TestParseRejectsUnsupportedScheme(t *testing.T) {
	_, err := Parse("launchd:env=FOO")
	assert.Error(t, err)
}

func TestParseRejectsUnixWithNoRecognizedKey(t *testing.T) {
	_, err := Parse("unix:guid=deadbeef")
	assert.Error(t, err)
}

func TestParseRejectsMalformedKeyValue(t *testing.T) {
	_, err := Parse("unix:path")
	assert.Error(t, err)
}

func TestParseRejectsInvalidTCPPort(t *testing.T) {
	_, err := Parse("tcp:port=notanumber")
	assert.Error(t, err)
}

func TestParsePercentEscaping(t *testing.T) {
	addr, err := Parse("unix:path=%2Ftmp%2Fmy%20bus")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/my bus", addr.Path)
}

func TestSystemBus(t *testing.T) {
	addr := SystemBus()
	assert.Equal(t, KindUnixPath, addr.Kind)
	assert.Equal(t, SystemBusPath, addr.Path)
	assert.Equal(t, RoleBusClient, addr.Role)
}

func TestCheckProtocolVersion(t *testing.T) {
	assert.NoError(t, CheckProtocolVersion("1.0.0"))
	assert.NoError(t, CheckProtocolVersion("2.0.0"))
	assert.Error(t, CheckProtocolVersion("0.9.0"))
	assert.Error(t, CheckProtocolVersion("not-a-version"))
}

func TestParseTCPRejectsOldProtoVer(t *testing.T) {
	_, err := Parse("tcp:port=1,protover=0.1.0")
	assert.Error(t, err)
}

func TestHomeDirUsesEnvWhenSet(t *testing.T) {
	t.Setenv("HOME", "/home/testuser")
	home, err := HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/testuser", home)
}

func TestMachineIDRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(bad, []byte("not-32-hex-chars\n"), 0o644))

	saved := machineIDPaths
	machineIDPaths = []string{bad}
	defer func() { machineIDPaths = saved }()

	_, err := MachineID()
	assert.Error(t, err)
}

func TestMachineIDReadsFirstValidFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")
	good := filepath.Join(dir, "machine-id")
	const id = "0123456789abcdef0123456789abcdef"
	require.NoError(t, os.WriteFile(good, []byte(id+"\n"), 0o644))

	saved := machineIDPaths
	machineIDPaths = []string{missing, good}
	defer func() { machineIDPaths = saved }()

	got, err := MachineID()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestSessionBusUsesEnvVarWhenSet(t *testing.T) {
	t.Setenv(SessionBusEnvVar, "unix:path=/tmp/session-bus")
	addr, err := SessionBus()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/session-bus", addr.Path)
}
