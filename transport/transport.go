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
Package transport carries raw bytes (and, on local sockets, attached
file descriptors) between this process and the bus or a peer. Every
implementation is non-blocking: Read and Write return ErrWouldBlock
instead of parking the goroutine, so a dispatch.Dispatcher can drive
many connections from one goroutine with poll(2).
*/
package transport

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// MaxFds is the hard cap on file descriptors carried by a single
// Read/Write call, matching the bus protocol's per-message limit.
const MaxFds = 16

// ErrWouldBlock is returned by Read/Write when the underlying socket
// has no data ready (Read) or its send buffer is full (Write). The
// caller should wait for the next readiness notification from its
// Dispatcher and retry.
var ErrWouldBlock = errors.New("transport: would block")

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("transport: closed")

// ErrRemoteClosed is returned by Read when the peer has shut down its
// end (a zero-length read on a stream socket).
var ErrRemoteClosed = errors.New("transport: remote closed")

// Transport is the non-blocking byte (and, where SupportsFdPassing is
// true, file-descriptor) pipe a Connection drives.
type Transport interface {
	// Fd returns the underlying file descriptor for readiness polling.
	Fd() int

	// Write attempts to send b plus any attached fds in one syscall.
	// It either sends the whole buffer or returns ErrWouldBlock having
	// sent nothing — short writes are not exposed to the caller
	// because the bus protocol requires whole-message framing anyway.
	Write(b []byte, fds []*os.File) (int, error)

	// Read reads whatever is available into buf, returning any fds
	// that arrived alongside it. It returns (0, nil, ErrWouldBlock)
	// rather than blocking when nothing is ready.
	Read(buf []byte) (n int, fds []*os.File, err error)

	// SupportsFdPassing reports whether this transport can carry
	// attached file descriptors (true for local-socket transports,
	// false for TCP).
	SupportsFdPassing() bool

	// Close releases the underlying file descriptor. Safe to call
	// more than once.
	Close() error
}

// isWouldBlock reports whether err is the non-blocking "try again"
// signal from a syscall.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// retryOnEINTR re-runs fn while it keeps failing with EINTR; signals
// interrupting a non-blocking syscall are never surfaced to callers.
func retryOnEINTR(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
