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
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// tcpTransport is a non-blocking TCP connection. It never carries
// file descriptors: SupportsFdPassing is always false.
type tcpTransport struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// DialTCP connects to host:port over TCP.
func DialTCP(host string, port int) (Transport, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	ip := ips[0]

	domain := unix.AF_INET6
	if ip.To4() != nil {
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("creating tcp socket: %w", err)
	}
	if err := unix.Connect(fd, IPToSockaddr(ip, port)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting socket non-blocking: %w", err)
	}
	return &tcpTransport{fd: fd}, nil
}

func newTCPTransportFromFd(fd int) Transport {
	return &tcpTransport{fd: fd}
}

func (c *tcpTransport) Fd() int { return c.fd }

func (c *tcpTransport) SupportsFdPassing() bool { return false }

func (c *tcpTransport) Write(b []byte, fds []*os.File) (int, error) {
	if len(fds) > 0 {
		return 0, fmt.Errorf("transport: tcp transport cannot carry file descriptors")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	var n int
	err := retryOnEINTR(func() error {
		var werr error
		n, werr = unix.Write(c.fd, b)
		return werr
	})
	if err != nil {
		if isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("transport write: %w", err)
	}
	return n, nil
}

func (c *tcpTransport) Read(buf []byte) (int, []*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}
	var n int
	err := retryOnEINTR(func() error {
		var rerr error
		n, rerr = unix.Read(c.fd, buf)
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
	return n, nil, nil
}

func (c *tcpTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
