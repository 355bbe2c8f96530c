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

package message

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipcbus/buslink/wire"
)

func TestSerializeDecodeMethodCallRoundTrip(t *testing.T) {
	call := NewMethodCall("/org/example/Foo", "org.example.Iface", "DoThing", "org.example.Dest")
	call.Header.Serial = 7
	call.Sender = ":1.5"

	w := wire.NewWriter(call.Header.order())
	w.WriteString("hello")
	w.WriteInt32(42)
	args, err := w.Finish()
	require.NoError(t, err)
	call.SetBody(args)

	buf, fds, err := call.Serialize()
	require.NoError(t, err)
	assert.Empty(t, fds)
	assert.NotEmpty(t, buf)

	dec := NewDecoder()
	dec.Feed(buf)
	got, state, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.Finished, state)
	require.NotNil(t, got)

	assert.Equal(t, TypeMethodCall, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.Serial)
	assert.Equal(t, "/org/example/Foo", got.Path)
	assert.Equal(t, "org.example.Iface", got.Interface)
	assert.Equal(t, "DoThing", got.Member)
	assert.Equal(t, "org.example.Dest", got.Destination)
	assert.Equal(t, ":1.5", got.Sender)
	assert.Equal(t, wire.Signature("si"), got.Signature)

	br := got.Body.NewReader()
	s, ok := br.ReadString()
	require.True(t, ok)
	assert.Equal(t, "hello", s)
	n, ok := br.ReadInt32()
	require.True(t, ok)
	assert.EqualValues(t, 42, n)

	assert.Zero(t, dec.Pending())
}

func TestSerializeRejectsMissingRequiredFields(t *testing.T) {
	call := &Message{Header: Header{Type: TypeMethodCall, ProtocolVersion: ProtocolVersion}}
	call.Header.Serial = 1
	_, _, err := call.Serialize()
	assert.Error(t, err)
}

func TestDecodeNeedMoreDataThenCompletes(t *testing.T) {
	sig := NewSignal("/org/example/Foo", "org.example.Iface", "Ping")
	sig.Header.Serial = 3

	buf, _, err := sig.Serialize()
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(buf[:FixedHeaderSize+2])
	_, state, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.NeedMoreData, state)

	dec.Feed(buf[FixedHeaderSize+2:])
	got, state, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.Finished, state)
	assert.Equal(t, "Ping", got.Member)
}

func TestDecodeTwoMessagesBackToBack(t *testing.T) {
	a := NewSignal("/a", "iface.a", "A")
	a.Header.Serial = 1
	b := NewSignal("/b", "iface.b", "B")
	b.Header.Serial = 2

	bufA, _, err := a.Serialize()
	require.NoError(t, err)
	bufB, _, err := b.Serialize()
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(bufA)
	dec.Feed(bufB)

	got1, state, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.Finished, state)
	assert.Equal(t, "A", got1.Member)

	got2, state, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.Finished, state)
	assert.Equal(t, "B", got2.Member)

	assert.Zero(t, dec.Pending())
}

func TestMethodReturnAndErrorCarryReplySerial(t *testing.T) {
	call := NewMethodCall("/p", "i", "M", "d")
	call.Header.Serial = 55
	call.Sender = ":1.1"

	ret := NewMethodReturn(call)
	assert.Equal(t, uint32(55), ret.ReplySerial)
	assert.Equal(t, ":1.1", ret.Destination)

	errMsg := NewError(call, "org.example.Error.Bad")
	assert.Equal(t, uint32(55), errMsg.ReplySerial)
	assert.Equal(t, "org.example.Error.Bad", errMsg.ErrorName)
}

func TestHeaderOrderSelectsByEndianByte(t *testing.T) {
	h := Header{Endian: 'B'}
	assert.Equal(t, binary.BigEndian, h.order())
	h.Endian = 'l'
	assert.Equal(t, binary.LittleEndian, h.order())
}
