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
Package auth runs the line-based handshake a Connection completes
immediately after Transport connect and before any bus message:
AUTH EXTERNAL, falling back to AUTH ANONYMOUS, optional UNIX-fd
negotiation, then BEGIN. The handshake is synchronous — the kernel
send buffer easily holds it — so this package drives it with a plain
explicit state machine rather than going through a Dispatcher.
*/
package auth

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/transport"
)

// State names one step of the handshake.
type State int

// Handshake states.
const (
	StateInitial State = iota
	StateExpectOK
	StateExpectUnixFdResponse
	StateAuthenticated
	StateFailed
)

var stateNames = map[State]string{
	StateInitial:              "Initial",
	StateExpectOK:             "ExpectOK",
	StateExpectUnixFdResponse: "ExpectUnixFdResponse",
	StateAuthenticated:        "Authenticated",
	StateFailed:               "Failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// pollInterval bounds how long Run spins between non-blocking reads
// while waiting for the peer's handshake line.
const pollInterval = time.Millisecond

// Result carries what the handshake learned: the server's GUID and
// whether unix-fd passing was successfully negotiated.
type Result struct {
	ServerGUID    string
	UnixFDEnabled bool
}

// Client drives the handshake to completion or failure.
type Client struct {
	t          transport.Transport
	uidHex     string
	wantUnixFd bool
	state      State
	rbuf       []byte
	deadline   time.Time
}

// NewClient prepares a handshake client. uid is the local credential
// (numeric uid on Unix) sent with AUTH EXTERNAL; wantUnixFd requests
// NEGOTIATE_UNIX_FD when the transport supports fd passing.
func NewClient(t transport.Transport, uid string, wantUnixFd bool) *Client {
	return &Client{
		t:          t,
		uidHex:     hex.EncodeToString([]byte(uid)),
		wantUnixFd: wantUnixFd && t.SupportsFdPassing(),
		state:      StateInitial,
	}
}

// State returns the handshake's current state.
func (c *Client) State() State { return c.state }

// Leftover returns any bytes read past the handshake's final line.
// The first binary bus message can ride the same kernel read as the
// handshake tail; the caller must feed these to its message decoder
// before reading the transport again.
func (c *Client) Leftover() []byte { return c.rbuf }

// Run drives the handshake to AuthenticatedState or returns
// buserr.ErrAuthFailed (or a transport error) on failure. timeout
// bounds the whole handshake.
func (c *Client) Run(timeout time.Duration) (*Result, error) {
	c.deadline = time.Now().Add(timeout)

	if _, err := c.writeAll([]byte{0}); err != nil {
		return nil, err
	}

	if err := c.writeLine("AUTH EXTERNAL " + c.uidHex); err != nil {
		return nil, err
	}
	c.state = StateExpectOK
	line, err := c.readLine()
	if err != nil {
		return nil, err
	}

	guid, err := c.handleAuthReply(line)
	if err != nil {
		return nil, err
	}

	unixFDEnabled := false
	if c.wantUnixFd {
		if err := c.writeLine("NEGOTIATE_UNIX_FD"); err != nil {
			return nil, err
		}
		c.state = StateExpectUnixFdResponse
		reply, err := c.readLine()
		if err != nil {
			return nil, err
		}
		unixFDEnabled = bytes.HasPrefix(reply, []byte("AGREE_UNIX_FD"))
	}

	if err := c.writeLine("BEGIN"); err != nil {
		return nil, err
	}
	c.state = StateAuthenticated
	return &Result{ServerGUID: guid, UnixFDEnabled: unixFDEnabled}, nil
}

// handleAuthReply interprets the server's response to AUTH EXTERNAL,
// retrying with AUTH ANONYMOUS on REJECTED before giving up.
func (c *Client) handleAuthReply(line []byte) (string, error) {
	if bytes.HasPrefix(line, []byte("OK ")) {
		return string(bytes.TrimSpace(line[3:])), nil
	}
	if !bytes.HasPrefix(line, []byte("REJECTED")) {
		c.state = StateFailed
		return "", fmt.Errorf("%w: unexpected handshake reply %q", buserr.ErrAuthFailed, line)
	}

	if err := c.writeLine("AUTH ANONYMOUS 646665727279"); err != nil {
		return "", err
	}
	reply, err := c.readLine()
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(reply, []byte("OK ")) {
		c.state = StateFailed
		return "", fmt.Errorf("%w: both EXTERNAL and ANONYMOUS rejected", buserr.ErrAuthFailed)
	}
	return string(bytes.TrimSpace(reply[3:])), nil
}

func (c *Client) writeLine(s string) error {
	_, err := c.writeAll([]byte(s + "\r\n"))
	return err
}

func (c *Client) writeAll(b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		if time.Now().After(c.deadline) {
			return 0, fmt.Errorf("%w: handshake write timed out", buserr.ErrAuthFailed)
		}
		n, err := c.t.Write(b, nil)
		if err != nil {
			if err == transport.ErrWouldBlock {
				time.Sleep(pollInterval)
				continue
			}
			return 0, fmt.Errorf("%w: %v", buserr.ErrAuthFailed, err)
		}
		b = b[n:]
	}
	return total, nil
}

// readLine reads until the next CR-LF, buffering any bytes read past
// the line ending for the next call.
func (c *Client) readLine() ([]byte, error) {
	for {
		if idx := bytes.Index(c.rbuf, []byte("\r\n")); idx >= 0 {
			line := c.rbuf[:idx]
			c.rbuf = c.rbuf[idx+2:]
			return line, nil
		}
		if time.Now().After(c.deadline) {
			return nil, fmt.Errorf("%w: handshake read timed out", buserr.ErrAuthFailed)
		}
		buf := make([]byte, 512)
		n, _, err := c.t.Read(buf)
		if err != nil {
			if err == transport.ErrWouldBlock {
				time.Sleep(pollInterval)
				continue
			}
			return nil, fmt.Errorf("%w: %v", buserr.ErrAuthFailed, err)
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
	}
}
