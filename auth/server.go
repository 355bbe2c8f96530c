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

package auth

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/transport"
)

// Server drives the peer side of the handshake for the PeerServer
// role: accepting EXTERNAL or ANONYMOUS unconditionally (a direct
// peer-to-peer connection has no bus daemon behind it to police
// credentials any harder than the kernel's SO_PEERCRED already does),
// answering with its own GUID, and agreeing to unix-fd passing
// whenever the transport supports it.
type Server struct {
	t    transport.Transport
	guid string
	rbuf []byte
}

// NewServer prepares a handshake server that will hand guid to
// whichever client authenticates.
func NewServer(t transport.Transport, guid string) *Server {
	return &Server{t: t, guid: guid}
}

// Leftover returns any bytes read past the client's BEGIN line — the
// client's first binary message often arrives in the same kernel read.
// The caller must feed these to its message decoder before reading the
// transport again.
func (s *Server) Leftover() []byte { return s.rbuf }

// Run drives the handshake to completion from the server's side.
func (s *Server) Run(timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)

	if _, err := s.readByte(deadline); err != nil {
		return nil, err
	}

	line, err := s.readLine(deadline)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(line, []byte("AUTH ")) {
		return nil, fmt.Errorf("%w: expected AUTH, got %q", buserr.ErrAuthFailed, line)
	}
	if err := s.writeLine("OK "+s.guid, deadline); err != nil {
		return nil, err
	}

	unixFDEnabled := false
	for {
		line, err = s.readLine(deadline)
		if err != nil {
			return nil, err
		}
		switch {
		case bytes.Equal(line, []byte("BEGIN")):
			return &Result{ServerGUID: s.guid, UnixFDEnabled: unixFDEnabled}, nil
		case bytes.Equal(line, []byte("NEGOTIATE_UNIX_FD")):
			unixFDEnabled = s.t.SupportsFdPassing()
			reply := "ERROR"
			if unixFDEnabled {
				reply = "AGREE_UNIX_FD"
			}
			if err := s.writeLine(reply, deadline); err != nil {
				return nil, err
			}
		default:
			if err := s.writeLine("ERROR", deadline); err != nil {
				return nil, err
			}
		}
	}
}

func (s *Server) writeLine(line string, deadline time.Time) error {
	b := []byte(line + "\r\n")
	for len(b) > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: handshake write timed out", buserr.ErrAuthFailed)
		}
		n, err := s.t.Write(b, nil)
		if err != nil {
			if err == transport.ErrWouldBlock {
				time.Sleep(pollInterval)
				continue
			}
			return fmt.Errorf("%w: %v", buserr.ErrAuthFailed, err)
		}
		b = b[n:]
	}
	return nil
}

func (s *Server) readByte(deadline time.Time) (byte, error) {
	for len(s.rbuf) == 0 {
		if err := s.fill(deadline); err != nil {
			return 0, err
		}
	}
	b := s.rbuf[0]
	s.rbuf = s.rbuf[1:]
	return b, nil
}

func (s *Server) readLine(deadline time.Time) ([]byte, error) {
	for {
		if idx := bytes.Index(s.rbuf, []byte("\r\n")); idx >= 0 {
			line := s.rbuf[:idx]
			s.rbuf = s.rbuf[idx+2:]
			return line, nil
		}
		if err := s.fill(deadline); err != nil {
			return nil, err
		}
	}
}

func (s *Server) fill(deadline time.Time) error {
	if time.Now().After(deadline) {
		return fmt.Errorf("%w: handshake read timed out", buserr.ErrAuthFailed)
	}
	buf := make([]byte, 512)
	n, _, err := s.t.Read(buf)
	if err != nil {
		if err == transport.ErrWouldBlock {
			time.Sleep(pollInterval)
			return nil
		}
		return fmt.Errorf("%w: %v", buserr.ErrAuthFailed, err)
	}
	s.rbuf = append(s.rbuf, buf[:n]...)
	return nil
}
