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

/*
Package busconfig holds cmd/busctl's on-disk configuration: the
default bus address, timeouts, and monitoring settings, loaded with
gopkg.in/yaml.v2 and layered under CLI flags the same way
ptp/sptp/client/config.go's DefaultConfig/ReadConfig/PrepareConfig
trio layers a YAML file under CLI flags.
*/
package busconfig

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is cmd/busctl's full configuration.
type Config struct {
	// Address is a bus address string understood by the address
	// package's Parse, e.g. "unix:path=/var/run/dbus/system_bus_socket".
	// Empty means resolve the session bus from the environment.
	Address string `yaml:"address"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`

	// MonitoringPort, when nonzero, starts busstats' Prometheus
	// exporter on this port.
	MonitoringPort int `yaml:"monitoring_port"`

	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a Config populated with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      25 * time.Second,
		MonitoringPort:   0,
	}
}

// Validate reports whether c is internally consistent.
func (c *Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be greater than zero")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be greater than zero")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	return nil
}

// ReadConfig reads a Config from a YAML file, starting from
// DefaultConfig so a partial file only overrides what it sets.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// PrepareConfig layers a config file (if cfgPath is non-empty) under
// CLI flag overrides, validating the result, the same override-
// precedence PrepareConfig follows in the client package this is
// adapted from.
func PrepareConfig(cfgPath, addressFlag string, handshakeTimeout, callTimeout time.Duration, monitoringPort int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["address"] {
		cfg.Address = addressFlag
	}
	if setFlags["handshake-timeout"] {
		cfg.HandshakeTimeout = handshakeTimeout
	}
	if setFlags["call-timeout"] {
		cfg.CallTimeout = callTimeout
	}
	if setFlags["monitoringport"] {
		cfg.MonitoringPort = monitoringPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
