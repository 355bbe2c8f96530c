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

package transport

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// unixTransport is a non-blocking, connected AF_UNIX stream socket: a
// small struct wrapping a bare fd, syscalls called directly rather
// than through net.Conn.
type unixTransport struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// DialUnixPath connects to a filesystem-path unix socket.
func DialUnixPath(path string) (Transport, error) {
	return dialUnix(unixSockaddrForPath(path, false))
}

// DialUnixAbstract connects to a Linux abstract-namespace unix socket.
func DialUnixAbstract(name string) (Transport, error) {
	return dialUnix(unixSockaddrForPath(name, true))
}

func dialUnix(addr *unix.SockaddrUnix) (Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating unix socket: %w", err)
	}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to %s: %w", addr.Name, err)
	}
	// Non-blocking only after the connect call: some socket stacks
	// report "would block" from a non-blocking connect itself.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting socket non-blocking: %w", err)
	}
	return &unixTransport{fd: fd}, nil
}

// newUnixTransportFromFd wraps an already-connected, already
// non-blocking fd (the Server accept path).
func newUnixTransportFromFd(fd int) Transport {
	return &unixTransport{fd: fd}
}

// NewUnixFromFd wraps an already-connected unix-domain socket fd as a
// Transport, for callers that obtained the fd some way other than
// Dial or Server.Accept (an inherited fd, a socketpair in tests). The
// fd must already be non-blocking.
func NewUnixFromFd(fd int) Transport {
	return newUnixTransportFromFd(fd)
}

func (c *unixTransport) Fd() int { return c.fd }

func (c *unixTransport) SupportsFdPassing() bool { return true }

func (c *unixTransport) Write(b []byte, fds []*os.File) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if len(fds) > MaxFds {
		return 0, fmt.Errorf("transport: %d fds exceeds cap of %d", len(fds), MaxFds)
	}

	var oob []byte
	if len(fds) > 0 {
		raw := make([]int, len(fds))
		for i, f := range fds {
			raw[i] = int(f.Fd())
		}
		oob = unix.UnixRights(raw...)
	}

	err := retryOnEINTR(func() error { return unix.Sendmsg(c.fd, b, oob, nil, 0) })
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("transport write: %w", err)
	}
	return len(b), nil
}

func (c *unixTransport) Read(buf []byte) (int, []*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}

	// Control buffer sized for exactly MaxFds descriptors: a peer
	// smuggling more gets them truncated by the kernel instead of
	// silently accepted and leaked here.
	oob := make([]byte, unix.CmsgSpace(MaxFds*4))
	var n, oobn int
	err := retryOnEINTR(func() error {
		var rerr error
		n, oobn, _, _, rerr = unix.Recvmsg(c.fd, buf, oob, 0)
		return rerr
	})
	if err != nil {
		if isWouldBlock(err) {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, fmt.Errorf("transport read: %w", err)
	}
	if n == 0 {
		return 0, nil, ErrRemoteClosed
	}

	fds, err := parseFds(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("transport read: %w", err)
	}
	return n, fds, nil
}

func parseFds(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var files []*os.File
	for _, scm := range scms {
		raw, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range raw {
			files = append(files, os.NewFile(uintptr(fd), "bus-fd"))
		}
	}
	if len(files) > MaxFds {
		for _, f := range files {
			f.Close()
		}
		return nil, fmt.Errorf("received %d fds, exceeds cap of %d", len(files), MaxFds)
	}
	return files, nil
}

func (c *unixTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
