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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Server listens for and accepts incoming peer connections (the
// PeerServer role: one side of a peer-to-peer bus connection that did
// not go through a bus daemon). Accept is non-blocking like everything
// else in this package; ErrWouldBlock means no connection is pending.
type Server struct {
	fd   int
	kind serverKind
}

type serverKind int

const (
	serverUnix serverKind = iota
	serverTCP
)

// ListenUnixPath starts a PeerServer on a filesystem-path unix socket.
func ListenUnixPath(path string) (*Server, error) {
	return listenUnix(unixSockaddrForPath(path, false))
}

// ListenUnixAbstract starts a PeerServer on a Linux abstract-namespace
// unix socket.
func ListenUnixAbstract(name string) (*Server, error) {
	return listenUnix(unixSockaddrForPath(name, true))
}

func listenUnix(addr *unix.SockaddrUnix) (*Server, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating unix listen socket: %w", err)
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s: %w", addr.Name, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on %s: %w", addr.Name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting listen socket non-blocking: %w", err)
	}
	return &Server{fd: fd, kind: serverUnix}, nil
}

// ListenTCP starts a PeerServer on host:port over TCP.
func ListenTCP(host string, port int) (*Server, error) {
	ip, err := resolveBindAddr(host)
	if err != nil {
		return nil, err
	}
	domain := unix.AF_INET6
	if ip.To4() != nil {
		domain = unix.AF_INET
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("creating tcp listen socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, IPToSockaddr(ip, port)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on %s:%d: %w", host, port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting listen socket non-blocking: %w", err)
	}
	return &Server{fd: fd, kind: serverTCP}, nil
}

// Fd returns the listening socket's file descriptor, for readiness
// polling by a Dispatcher.
func (s *Server) Fd() int { return s.fd }

// Accept returns the next pending inbound connection as a Transport,
// or ErrWouldBlock if none is pending yet.
func (s *Server) Accept() (Transport, error) {
	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
	if err != nil {
		if isWouldBlock(err) {
			return nil, ErrWouldBlock
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		unix.Close(connFd)
		return nil, fmt.Errorf("setting accepted socket non-blocking: %w", err)
	}
	if s.kind == serverUnix {
		log.Debugf("transport: accepted unix peer on fd %d", connFd)
		return newUnixTransportFromFd(connFd), nil
	}
	log.Debugf("transport: accepted tcp peer %s on fd %d", SockaddrToAddrPort(sa), connFd)
	return newTCPTransportFromFd(connFd), nil
}

// Close stops listening.
func (s *Server) Close() error {
	return unix.Close(s.fd)
}
