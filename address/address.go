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
Package address resolves a bus address string — or the environment —
into a ConnectAddress the conn package's Connection can dial. It is a
named external collaborator: a pure parser with no
concurrency interest of its own, grounded on
original_source/buslogic/peeraddress.cpp's comma-separated
key=value grammar and on cmd/sptp/main.go's prepareConfig
override-precedence pattern (env var, then file, then default).
*/
package address

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"
)

// Kind names the transport family a ConnectAddress dials.
type Kind int

// Address kinds.
const (
	KindUnixPath Kind = iota
	KindAbstractUnix
	KindTCP
	KindRuntimeDir
	KindTmpDir
)

// Role names what a Connection built from this address will do:
// dial a bus daemon, dial a peer directly, or listen for one.
type Role int

// Connection roles.
const (
	RoleBusClient Role = iota
	RolePeerClient
	RolePeerServer
)

// ConnectAddress is a parsed, dial-ready bus address: a value type,
// freely copied, matching the data model's "Value; freely copied"
// lifetime note.
type ConnectAddress struct {
	Kind Kind
	Path string // unix path, abstract name, runtime-dir/tmp-dir directory
	Host string
	Port int
	Role Role
	GUID string
}

// SystemBusPath is the well-known path the system bus daemon listens
// on.
const SystemBusPath = "/var/run/dbus/system_bus_socket"

// SystemBus returns the well-known system bus address.
func SystemBus() ConnectAddress {
	return ConnectAddress{Kind: KindUnixPath, Path: SystemBusPath, Role: RoleBusClient}
}

var keyValRe = regexp.MustCompile(`^([a-zA-Z0-9_-]+)=(.*)$`)

// Parse parses one scheme:key=val,key=val[;scheme:...] address string
// e.g. "unix:path=/tmp/bus", "unix:abstract=foo",
// "tcp:host=127.0.0.1,port=12345". Only the first address in a
// semicolon-separated list is used; callers that want full fallback
// should split and retry themselves the way a real bus client tries
// each listed address in turn.
func Parse(s string) (ConnectAddress, error) {
	first := s
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		first = s[:idx]
	}

	scheme, rest, ok := strings.Cut(first, ":")
	if !ok {
		return ConnectAddress{}, fmt.Errorf("address: missing scheme in %q", s)
	}

	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			m := keyValRe.FindStringSubmatch(kv)
			if m == nil {
				return ConnectAddress{}, fmt.Errorf("address: malformed key=value pair %q", kv)
			}
			params[m[1]] = unescape(m[2])
		}
	}

	addr := ConnectAddress{Role: RoleBusClient, GUID: params["guid"]}

	switch scheme {
	case "unix":
		switch {
		case params["path"] != "":
			addr.Kind = KindUnixPath
			addr.Path = params["path"]
		case params["abstract"] != "":
			addr.Kind = KindAbstractUnix
			addr.Path = params["abstract"]
		case params["runtimedir"] != "":
			addr.Kind = KindRuntimeDir
			addr.Path = params["runtimedir"]
		case params["tmpdir"] != "":
			addr.Kind = KindTmpDir
			addr.Path = params["tmpdir"]
		default:
			return ConnectAddress{}, fmt.Errorf("address: unix address %q has no path/abstract/runtimedir/tmpdir key", s)
		}
	case "tcp":
		addr.Kind = KindTCP
		addr.Host = params["host"]
		if addr.Host == "" {
			addr.Host = "localhost"
		}
		if p := params["port"]; p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return ConnectAddress{}, fmt.Errorf("address: invalid tcp port %q: %w", p, err)
			}
			addr.Port = port
		}
		if v := params["protover"]; v != "" {
			if err := CheckProtocolVersion(v); err != nil {
				return ConnectAddress{}, err
			}
		}
	default:
		return ConnectAddress{}, fmt.Errorf("address: unsupported scheme %q", scheme)
	}

	return addr, nil
}

// unescape decodes the bus address string's "%XX" percent-escaping
// for characters that can't appear literally in a key=value pair.
func unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// MinSupportedProtocolVersion is the lowest bus protocol version
// string this client accepts from a "protover=" address parameter.
const MinSupportedProtocolVersion = "1.0.0"

// CheckProtocolVersion compares a server-advertised protocol version
// against MinSupportedProtocolVersion using semantic-version
// comparison, the same style cmd/sptp's flag/config precedence logic
// would reach for if it needed to gate on a version string.
func CheckProtocolVersion(v string) error {
	got, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("address: invalid protover %q: %w", v, err)
	}
	min, err := version.NewVersion(MinSupportedProtocolVersion)
	if err != nil {
		return fmt.Errorf("address: invalid MinSupportedProtocolVersion: %w", err)
	}
	if got.LessThan(min) {
		return fmt.Errorf("address: server protocol version %s is older than the minimum supported %s", v, MinSupportedProtocolVersion)
	}
	return nil
}

// SessionBusEnvVar is the environment variable carrying the session
// bus address.
const SessionBusEnvVar = "DBUS_SESSION_BUS_ADDRESS"

// SessionBus resolves the per-session bus address: the environment
// variable if set, otherwise the per-display file under
// $HOME/.dbus/session-bus/.
func SessionBus() (ConnectAddress, error) {
	if v := os.Getenv(SessionBusEnvVar); v != "" {
		return Parse(v)
	}

	home, err := HomeDir()
	if err != nil {
		return ConnectAddress{}, fmt.Errorf("address: resolving session bus: %w", err)
	}
	machineID, err := MachineID()
	if err != nil {
		return ConnectAddress{}, fmt.Errorf("address: resolving session bus: %w", err)
	}
	display := os.Getenv("DISPLAY")

	dir := filepath.Join(home, ".dbus", "session-bus")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ConnectAddress{}, fmt.Errorf("address: no %s and %s is not readable: %w", SessionBusEnvVar, dir, err)
	}
	prefix := machineID + "-" + display
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) && display == "" {
			// no DISPLAY set: accept any file for this machine-id
			if !strings.HasPrefix(e.Name(), machineID+"-") {
				continue
			}
		} else if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		v, err := readSessionBusFile(filepath.Join(dir, e.Name()))
		if err == nil && v != "" {
			return Parse(v)
		}
	}
	return ConnectAddress{}, fmt.Errorf("address: no session bus address file found under %s", dir)
}

// readSessionBusFile extracts the DBUS_SESSION_BUS_ADDRESS=... line
// from a session-bus address file.
func readSessionBusFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, SessionBusEnvVar+"="); ok {
			return v, nil
		}
	}
	return "", scanner.Err()
}

// machineIDPaths are tried in order.
var machineIDPaths = []string{"/var/lib/dbus/machine-id", "/etc/machine-id"}

var machineIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// MachineID returns this host's 32-character lowercase-hex machine
// UUID, reading the first non-empty file among machineIDPaths.
func MachineID() (string, error) {
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(b))
		if id == "" {
			continue
		}
		if !machineIDRe.MatchString(id) {
			return "", fmt.Errorf("address: %s does not contain a 32-char lowercase-hex machine id", p)
		}
		return id, nil
	}
	return "", fmt.Errorf("address: no machine-id file found in %v", machineIDPaths)
}

// HomeDir returns $HOME, falling back to the system user database
// when the environment variable is unset.
func HomeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("address: resolving home directory: %w", err)
	}
	return u.HomeDir, nil
}
