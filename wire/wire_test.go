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

package wire

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTripScalars(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.WriteByte(0x42)
	w.WriteBool(true)
	w.WriteInt16(-7)
	w.WriteUint16(7)
	w.WriteInt32(-100000)
	w.WriteUint32(100000)
	w.WriteInt64(-1 << 40)
	w.WriteUint64(1 << 40)
	w.WriteDouble(3.5)
	w.WriteString("hello")
	w.WriteObjectPath("/org/example/Foo")
	w.WriteSignature("a{sv}")
	w.WriteUnixFD(2)

	args, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, Signature("ybnqiuxtdsogh"), args.Signature)

	r := args.NewReader()

	b, ok := r.ReadByte()
	require.True(t, ok)
	assert.Equal(t, byte(0x42), b)

	bl, ok := r.ReadBool()
	require.True(t, ok)
	assert.True(t, bl)

	i16, ok := r.ReadInt16()
	require.True(t, ok)
	assert.EqualValues(t, -7, i16)

	u16, ok := r.ReadUint16()
	require.True(t, ok)
	assert.EqualValues(t, 7, u16)

	i32, ok := r.ReadInt32()
	require.True(t, ok)
	assert.EqualValues(t, -100000, i32)

	u32, ok := r.ReadUint32()
	require.True(t, ok)
	assert.EqualValues(t, 100000, u32)

	i64, ok := r.ReadInt64()
	require.True(t, ok)
	assert.EqualValues(t, -1<<40, i64)

	u64, ok := r.ReadUint64()
	require.True(t, ok)
	assert.EqualValues(t, 1<<40, u64)

	d, ok := r.ReadDouble()
	require.True(t, ok)
	assert.Equal(t, 3.5, d)

	s, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "hello", s)

	op, ok := r.ReadObjectPath()
	require.True(t, ok)
	assert.Equal(t, "/org/example/Foo", op)

	sig, ok := r.ReadSignature()
	require.True(t, ok)
	assert.Equal(t, Signature("a{sv}"), sig)

	fd, ok := r.ReadUnixFD()
	require.True(t, ok)
	assert.EqualValues(t, 2, fd)

	assert.True(t, r.Finished())
}

func TestWriterReaderRoundTripArrayOfInt32(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.BeginArray(4)
	w.WriteInt32(1)
	w.NextArrayEntry()
	w.WriteInt32(2)
	w.NextArrayEntry()
	w.WriteInt32(3)
	w.EndArray()

	args, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, Signature("ai"), args.Signature)

	r := args.NewReader()
	n, ok := r.BeginArray(4)
	require.True(t, ok)
	assert.NotZero(t, n)

	var got []int32
	for !r.AtArrayEnd() {
		v, ok := r.ReadInt32()
		require.True(t, ok)
		got = append(got, v)
	}
	require.True(t, r.EndArray())
	assert.Equal(t, []int32{1, 2, 3}, got)
	assert.True(t, r.Finished())
}

func TestWriterReaderRoundTripStructAndDict(t *testing.T) {
	w := NewWriter(binary.BigEndian)
	w.BeginStruct()
	w.WriteString("name")
	w.WriteInt32(7)
	w.EndStruct()

	w.BeginArray(8)
	w.BeginDictEntry()
	w.WriteString("k1")
	w.BeginVariant("i")
	w.WriteInt32(42)
	w.EndVariant()
	w.EndDictEntry()
	w.NextArrayEntry()
	w.BeginDictEntry()
	w.WriteString("k2")
	w.BeginVariant("s")
	w.WriteString("v2")
	w.EndVariant()
	w.EndDictEntry()
	w.EndArray()

	args, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, Signature("(si)a{sv}"), args.Signature)

	r := args.NewReader()
	require.True(t, r.BeginStruct())
	name, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "name", name)
	num, ok := r.ReadInt32()
	require.True(t, ok)
	assert.EqualValues(t, 7, num)
	require.True(t, r.EndStruct())

	_, ok = r.BeginArray(8)
	require.True(t, ok)

	require.True(t, r.BeginDictEntry())
	k1, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "k1", k1)
	vsig, ok := r.BeginVariant()
	require.True(t, ok)
	assert.Equal(t, Signature("i"), vsig)
	vi, ok := r.ReadInt32()
	require.True(t, ok)
	assert.EqualValues(t, 42, vi)
	require.True(t, r.EndVariant())
	require.True(t, r.EndDictEntry())

	require.True(t, r.BeginDictEntry())
	k2, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "k2", k2)
	vsig2, ok := r.BeginVariant()
	require.True(t, ok)
	assert.Equal(t, Signature("s"), vsig2)
	vs, ok := r.ReadString()
	require.True(t, ok)
	assert.Equal(t, "v2", vs)
	require.True(t, r.EndVariant())
	require.True(t, r.EndDictEntry())

	require.True(t, r.EndArray())
	assert.True(t, r.Finished())
}

func TestWriterArrayIterationConsistency(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.BeginArray(4)
	w.WriteInt32(1)
	w.NextArrayEntry()
	w.WriteString("oops")
	assert.Equal(t, InvalidData, w.State())
	assert.Error(t, w.Err())
}

func TestWriterRejectsUnclosedContainer(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.BeginStruct()
	w.WriteByte(1)
	_, err := w.Finish()
	assert.Error(t, err)
}

func TestWriterRejectsInvalidObjectPath(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.WriteObjectPath("no-leading-slash")
	assert.Equal(t, InvalidData, w.State())
}

func TestSignatureValidation(t *testing.T) {
	valid := []string{"", "y", "ai", "a{sv}", "(ii)", strings.Repeat("a", 0) + "v"}
	for _, s := range valid {
		assert.NoErrorf(t, ValidateSignature(s), "expected %q valid", s)
	}

	invalid := []string{"(", ")", "a{ii", "{sv}", "a{vs}", "z"}
	for _, s := range invalid {
		assert.Errorf(t, ValidateSignature(s), "expected %q invalid", s)
	}
}

func TestSignatureArrayNestingBoundary(t *testing.T) {
	ok := strings.Repeat("a", MaxContainerDepth) + "y"
	assert.NoError(t, ValidateSignature(ok))

	tooDeep := strings.Repeat("a", MaxContainerDepth+1) + "y"
	assert.ErrorIs(t, ValidateSignature(tooDeep), ErrNestingTooDeep)
}

func TestWriterArrayNestingBoundary(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	for i := 0; i < MaxContainerDepth; i++ {
		w.BeginArray(4)
	}
	require.NotEqual(t, InvalidData, w.State())

	w.BeginArray(4)
	assert.Equal(t, InvalidData, w.State())
	assert.ErrorIs(t, w.Err(), ErrNestingTooDeep)
}

func TestWriterStructNestingBoundary(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	for i := 0; i < MaxStructDepth; i++ {
		w.BeginStruct()
	}
	require.NotEqual(t, InvalidData, w.State())

	w.BeginStruct()
	assert.Equal(t, InvalidData, w.State())
	assert.ErrorIs(t, w.Err(), ErrNestingTooDeep)
}

func TestWriterVariantNestingBoundary(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	for i := 0; i < MaxVariantDepth; i++ {
		w.BeginVariant("v")
	}
	require.NotEqual(t, InvalidData, w.State())

	w.BeginVariant("v")
	assert.Equal(t, InvalidData, w.State())
	assert.ErrorIs(t, w.Err(), ErrNestingTooDeep)
}

func TestReaderArrayNestingBoundary(t *testing.T) {
	// Nested empty arrays, built innermost-out: each level is a 4-byte
	// length prefix covering everything inside it, no padding needed
	// since every offset stays 4-aligned.
	var buf []byte
	for i := 0; i < MaxContainerDepth+1; i++ {
		prefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(prefix, uint32(len(buf)))
		buf = append(prefix, buf...)
	}

	r := NewReader(buf, binary.LittleEndian)
	for i := 0; i < MaxContainerDepth; i++ {
		_, ok := r.BeginArray(4)
		require.Truef(t, ok, "array level %d should open", i+1)
	}

	_, ok := r.BeginArray(4)
	assert.False(t, ok)
	assert.Equal(t, InvalidData, r.State())
	assert.ErrorIs(t, r.Err(), ErrNestingTooDeep)
}

func TestReaderStructNestingBoundary(t *testing.T) {
	// Structs carry no length prefix, so opening them consumes no
	// bytes at offset 0; only the depth bookkeeping is exercised.
	r := NewReader(nil, binary.LittleEndian)
	for i := 0; i < MaxStructDepth; i++ {
		require.Truef(t, r.BeginStruct(), "struct level %d should open", i+1)
	}

	assert.False(t, r.BeginStruct())
	assert.Equal(t, InvalidData, r.State())
	assert.ErrorIs(t, r.Err(), ErrNestingTooDeep)
}

func TestReaderVariantNestingBoundary(t *testing.T) {
	// Each variant level is its 3-byte inline signature: length 1,
	// 'v', NUL.
	var buf []byte
	for i := 0; i < MaxVariantDepth+1; i++ {
		buf = append(buf, 1, 'v', 0)
	}

	r := NewReader(buf, binary.LittleEndian)
	for i := 0; i < MaxVariantDepth; i++ {
		sig, ok := r.BeginVariant()
		require.Truef(t, ok, "variant level %d should open", i+1)
		assert.Equal(t, Signature("v"), sig)
	}

	_, ok := r.BeginVariant()
	assert.False(t, ok)
	assert.Equal(t, InvalidData, r.State())
	assert.ErrorIs(t, r.Err(), ErrNestingTooDeep)
}

func TestReaderNeedMoreDataThenRecovers(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.WriteInt32(99)
	args, err := w.Finish()
	require.NoError(t, err)

	full := args.Data
	r := NewReader(full[:2], binary.LittleEndian)
	r.Recoverable = true

	_, ok := r.ReadInt32()
	assert.False(t, ok)
	assert.Equal(t, NeedMoreData, r.State())

	r.ReplaceData(full)
	v, ok := r.ReadInt32()
	require.True(t, ok)
	assert.EqualValues(t, 99, v)
}

func TestReaderTruncatedBodyIsInvalidNotNeedMoreData(t *testing.T) {
	w := NewWriter(binary.LittleEndian)
	w.BeginArray(4)
	w.WriteInt32(1)
	w.NextArrayEntry()
	w.WriteInt32(2)
	w.EndArray()
	args, err := w.Finish()
	require.NoError(t, err)

	truncated := args.Data[:len(args.Data)-4]
	r := NewReader(truncated, binary.LittleEndian)
	_, ok := r.BeginArray(4)
	assert.False(t, ok)
	assert.Equal(t, InvalidData, r.State())
}
