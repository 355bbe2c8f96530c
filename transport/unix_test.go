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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (Transport, Transport) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return newUnixTransportFromFd(fds[0]), newUnixTransportFromFd(fds[1])
}

func TestUnixTransportWriteReadRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	n, err := a.Write([]byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	got, fds, err := b.Read(buf)
	require.NoError(t, err)
	assert.Empty(t, fds)
	assert.Equal(t, "hello", string(buf[:got]))
}

func TestUnixTransportFdPassing(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "buslink-fd-*")
	require.NoError(t, err)
	_, err = tmp.WriteString("payload")
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)
	defer tmp.Close()

	_, err = a.Write([]byte("x"), []*os.File{tmp})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, fds, err := b.Read(buf)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	defer fds[0].Close()

	assert.Equal(t, "x", string(buf[:n]))
	content := make([]byte, 7)
	_, err = fds[0].Read(content)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestUnixTransportReadWouldBlock(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	_, _, err := b.Read(buf)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestUnixTransportWriteTooManyFds(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	files := make([]*os.File, MaxFds+1)
	for i := range files {
		f, err := os.Open(os.DevNull)
		require.NoError(t, err)
		defer f.Close()
		files[i] = f
	}
	_, err := a.Write([]byte("x"), files)
	assert.Error(t, err)
}

func TestUnixTransportCloseIsIdempotent(t *testing.T) {
	a, _ := socketpair(t)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err := a.Write([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
