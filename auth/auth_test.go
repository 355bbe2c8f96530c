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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/transport"
)

// fakeServer plays the bus-daemon side of the handshake over the peer
// end of a socketpair, driven line-by-line so tests can script exact
// replies without a real dispatcher.
type fakeServer struct {
	t   *testing.T
	tr  transport.Transport
	buf []byte
}

func newFakeServer(t *testing.T, tr transport.Transport) *fakeServer {
	return &fakeServer{t: t, tr: tr}
}

func (f *fakeServer) readLine() string {
	f.t.Helper()
	for {
		for i := 0; i+1 < len(f.buf); i++ {
			if f.buf[i] == '\r' && f.buf[i+1] == '\n' {
				line := string(f.buf[:i])
				f.buf = f.buf[i+2:]
				return line
			}
		}
		b := make([]byte, 256)
		n, _, err := f.tr.Read(b)
		if err == transport.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(f.t, err)
		f.buf = append(f.buf, b[:n]...)
	}
}

// readByte reads exactly one credential-passing anchor byte.
func (f *fakeServer) readByte() byte {
	f.t.Helper()
	for len(f.buf) == 0 {
		b := make([]byte, 1)
		n, _, err := f.tr.Read(b)
		if err == transport.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(f.t, err)
		f.buf = append(f.buf, b[:n]...)
	}
	b := f.buf[0]
	f.buf = f.buf[1:]
	return b
}

func (f *fakeServer) writeLine(s string) {
	f.t.Helper()
	_, err := f.tr.Write([]byte(s+"\r\n"), nil)
	require.NoError(f.t, err)
}

func socketpair(t *testing.T) (transport.Transport, transport.Transport) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return transport.NewUnixFromFd(fds[0]), transport.NewUnixFromFd(fds[1])
}

func TestHandshakeSucceedsOnFirstExternalAttempt(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	fs := newFakeServer(t, server)
	done := make(chan struct{})
	var result *Result
	var runErr error

	go func() {
		c := NewClient(client, "1000", false)
		result, runErr = c.Run(time.Second)
		close(done)
	}()

	assert.Equal(t, byte(0), fs.readByte())
	line := fs.readLine()
	assert.Contains(t, line, "AUTH EXTERNAL")
	fs.writeLine("OK 1234deadbeef")
	assert.Equal(t, "BEGIN", fs.readLine())

	<-done
	require.NoError(t, runErr)
	assert.Equal(t, "1234deadbeef", result.ServerGUID)
	assert.False(t, result.UnixFDEnabled)
}

func TestHandshakeFallsBackToAnonymousOnRejection(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	fs := newFakeServer(t, server)
	done := make(chan struct{})
	var result *Result
	var runErr error

	go func() {
		c := NewClient(client, "1000", false)
		result, runErr = c.Run(time.Second)
		close(done)
	}()

	fs.readByte()
	fs.readLine()
	fs.writeLine("REJECTED EXTERNAL")
	anon := fs.readLine()
	assert.Contains(t, anon, "AUTH ANONYMOUS")
	fs.writeLine("OK cafef00d")
	assert.Equal(t, "BEGIN", fs.readLine())

	<-done
	require.NoError(t, runErr)
	assert.Equal(t, "cafef00d", result.ServerGUID)
}

func TestHandshakeFailsWhenBothMethodsRejected(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	fs := newFakeServer(t, server)
	done := make(chan struct{})
	var runErr error

	go func() {
		c := NewClient(client, "1000", false)
		_, runErr = c.Run(time.Second)
		close(done)
	}()

	fs.readByte()
	fs.readLine()
	fs.writeLine("REJECTED EXTERNAL")
	fs.readLine()
	fs.writeLine("REJECTED ANONYMOUS")

	<-done
	assert.ErrorIs(t, runErr, buserr.ErrAuthFailed)
}

func TestHandshakeNegotiatesUnixFdPassing(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	fs := newFakeServer(t, server)
	done := make(chan struct{})
	var result *Result
	var runErr error

	go func() {
		c := NewClient(client, "1000", true)
		result, runErr = c.Run(time.Second)
		close(done)
	}()

	fs.readByte()
	fs.readLine()
	fs.writeLine("OK guid")
	assert.Equal(t, "NEGOTIATE_UNIX_FD", fs.readLine())
	fs.writeLine("AGREE_UNIX_FD")
	assert.Equal(t, "BEGIN", fs.readLine())

	<-done
	require.NoError(t, runErr)
	assert.True(t, result.UnixFDEnabled)
}

func TestHandshakeTimesOutWaitingForReply(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	c := NewClient(client, "1000", false)
	_, err := c.Run(10 * time.Millisecond)
	assert.ErrorIs(t, err, buserr.ErrAuthFailed)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
