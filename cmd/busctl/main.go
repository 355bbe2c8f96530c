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

// busctl dials a bus address, issues one method call, and prints the
// reply. The CLI shape — flag-based config layered under a YAML file,
// optional monitoring port, verbose toggle — follows cmd/sptp/main.go.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/ipcbus/buslink/address"
	"github.com/ipcbus/buslink/busconfig"
	"github.com/ipcbus/buslink/busstats"
	"github.com/ipcbus/buslink/conn"
	"github.com/ipcbus/buslink/hostendian"
	"github.com/ipcbus/buslink/message"
	"github.com/ipcbus/buslink/wire"
)

var (
	okString   = color.GreenString("[OK]")
	failString = color.RedString("[FAIL]")
)

func main() {
	var (
		verboseFlag          bool
		addressFlag          string
		configFlag           string
		handshakeTimeoutFlag time.Duration
		callTimeoutFlag      time.Duration
		monitoringPortFlag   int
	)

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&addressFlag, "address", "", "bus address, e.g. unix:path=/var/run/dbus/system_bus_socket (default: session bus)")
	flag.StringVar(&configFlag, "config", "", "path to the config")
	flag.DurationVar(&handshakeTimeoutFlag, "handshake-timeout", 0, "handshake deadline")
	flag.DurationVar(&callTimeoutFlag, "call-timeout", 0, "method call deadline")
	flag.IntVar(&monitoringPortFlag, "monitoringport", 0, "port to serve Prometheus metrics on, disabled if 0")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	rest := flag.Args()
	if len(rest) < 3 {
		log.Fatal("usage: busctl [flags] <destination> <path> <interface.member> [string args...]")
	}
	destination, path, ifaceMember, args := rest[0], rest[1], rest[2], rest[3:]
	idx := strings.LastIndex(ifaceMember, ".")
	if idx <= 0 {
		log.Fatalf("invalid interface.member %q", ifaceMember)
	}
	iface, member := ifaceMember[:idx], ifaceMember[idx+1:]

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	cfg, err := busconfig.PrepareConfig(configFlag, addressFlag, handshakeTimeoutFlag, callTimeoutFlag, monitoringPortFlag, setFlags)
	if err != nil {
		log.Fatal(err)
	}

	addr, err := resolveAddress(cfg.Address)
	if err != nil {
		log.Fatal(err)
	}

	c, err := conn.Dial(addr, cfg.HandshakeTimeout)
	if err != nil {
		fmt.Println(failString, err)
		os.Exit(1)
	}
	defer c.Close()

	if cfg.MonitoringPort != 0 {
		exp := busstats.NewExporter(c, cfg.MonitoringPort, 10*time.Second)
		go exp.Start()
	}

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("sd_notify failed: %v", err)
	} else if !supported {
		log.Debug("sd_notify not supported, skipping readiness notification")
	}

	reply, err := doCall(c, destination, path, iface, member, args, cfg.CallTimeout)
	if err != nil {
		fmt.Println(failString, err)
		os.Exit(1)
	}
	printReply(reply)
}

// resolveAddress falls back to the session bus when addr is empty,
// the same default Parse's callers in the connection tests rely on.
func resolveAddress(addr string) (address.ConnectAddress, error) {
	if addr == "" {
		return address.SessionBus()
	}
	return address.Parse(addr)
}

// doCall drives the Dispatcher's Poll loop directly, the same
// single-goroutine event pump pattern Connection itself expects its
// caller to run.
func doCall(c *conn.Connection, destination, path, iface, member string, args []string, callTimeout time.Duration) (*message.Message, error) {
	m := message.NewMethodCall(path, iface, member, destination)
	if len(args) > 0 {
		w := wire.NewWriter(hostendian.Order)
		for _, a := range args {
			w.WriteString(a)
		}
		body, err := w.Finish()
		if err != nil {
			return nil, err
		}
		m.SetBody(body)
	}

	pr, err := c.Send(m, int(callTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}

	disp := c.Dispatcher()
	deadline := time.Now().Add(callTimeout + time.Second)
	for !pr.IsFinished() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("busctl: timed out waiting for dispatcher")
		}
		if _, err := disp.Poll(100); err != nil {
			return nil, err
		}
	}
	if err := pr.Err(); err != nil {
		return nil, err
	}
	return pr.Message(), nil
}

// printReply renders the reply's string arguments as a table when
// stdout is a terminal, and as plain lines otherwise, following
// sa53fw's term.IsTerminal gate on decorated output.
func printReply(m *message.Message) {
	if m == nil {
		fmt.Println(okString)
		return
	}
	values := decodeStringArgs(m)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(okString)
		for _, v := range values {
			fmt.Println(v)
		}
		return
	}
	fmt.Println(okString)
	if len(values) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("reply argument")
	for _, v := range values {
		table.Append(v)
	}
	table.Render()
}

// decodeStringArgs best-effort decodes every leading string argument
// of m's body, stopping at the first non-string type.
func decodeStringArgs(m *message.Message) []string {
	if m.Body == nil {
		return nil
	}
	r := m.Body.NewReader()
	var out []string
	sig := m.Body.Signature
	for i := 0; i < len(sig); i++ {
		if wire.TypeCode(sig[i]) != wire.TypeString {
			break
		}
		s, ok := r.ReadString()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}
