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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// frameKind distinguishes the container a Writer is currently inside.
type frameKind int

const (
	frameArray frameKind = iota
	frameStruct
	frameDictEntry
	frameVariant
)

// frameClassLimit is the nesting cap a new frame of this kind counts
// against: arrays draw on the container depth, structs and dict
// entries share the paren depth, variants get the looser variant
// budget.
func frameClassLimit(kind frameKind) int {
	switch kind {
	case frameArray:
		return MaxContainerDepth
	case frameVariant:
		return MaxVariantDepth
	default:
		return MaxStructDepth
	}
}

// sameFrameClass reports whether two frame kinds draw on the same
// nesting budget.
func sameFrameClass(a, b frameKind) bool {
	if a == frameStruct || a == frameDictEntry {
		return b == frameStruct || b == frameDictEntry
	}
	return a == b
}

// writerFrame tracks one open container on the Writer's stack. For
// arrays and dicts it also records the byte trace of the first
// element written, so later elements can be checked against it (the
// Writer rule: every iteration of an array/dict must write the same
// sequence of types as the first, outside nested variants).
type writerFrame struct {
	kind      frameKind
	lenPos    int // position of the array's 4-byte length prefix
	elemStart int // position right after the length prefix's alignment padding
	elemAlign int
	sig       []byte // type-code trace of the first element, once closed
	trace     []byte // type-code trace of the element currently being written
	entries   int
}

// Writer builds a bus-wire-format buffer by being told, one call at a
// time, which value to append. It never recurses and never calls back
// into caller code; State() always reflects what the caller may
// legally do next.
type Writer struct {
	buf    bytes.Buffer
	order  binary.ByteOrder
	state  IoState
	err    error
	frames []writerFrame
	topSig []byte // type-code trace of top-level values written so far
}

// NewWriter creates a Writer that encodes in the given byte order.
func NewWriter(order binary.ByteOrder) *Writer {
	return &Writer{order: order, state: NotStarted}
}

// State returns the cursor's current IoState.
func (w *Writer) State() IoState { return w.state }

// Err returns the error that put the cursor into InvalidData, if any.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	w.state = InvalidData
	w.err = err
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// SkipRaw writes n zero bytes without recording them in any type
// trace. It exists so a higher layer (the message header, whose
// fixed prefix precedes the wire-format header-fields array) can seed
// a Writer's buffer length to the right absolute offset before
// alignment-sensitive writes begin, then overwrite those bytes itself.
func (w *Writer) SkipRaw(n int) {
	if w.state == InvalidData {
		return
	}
	var zero [8]byte
	for n > 0 {
		chunk := n
		if chunk > len(zero) {
			chunk = len(zero)
		}
		w.buf.Write(zero[:chunk])
		n -= chunk
	}
}

func (w *Writer) pad(align int) {
	for w.buf.Len()%align != 0 {
		w.buf.WriteByte(0)
	}
}

// checkDepth rejects a Begin* call that would open one more container
// of kind's class than the wire format permits, before any bytes are
// written for it.
func (w *Writer) checkDepth(kind frameKind) bool {
	n := 0
	for _, f := range w.frames {
		if sameFrameClass(kind, f.kind) {
			n++
		}
	}
	if n >= frameClassLimit(kind) {
		w.fail(ErrNestingTooDeep)
		return false
	}
	return true
}

// innermost returns a pointer to the top frame, or nil at top level.
func (w *Writer) innermost() *writerFrame {
	if len(w.frames) == 0 {
		return nil
	}
	return &w.frames[len(w.frames)-1]
}

// appendTrace appends code to the innermost frame's in-progress trace,
// or to the top-level trace if no container is open. Every Write call
// and every container close funnels through here, which is what lets
// Finish reconstruct the exact signature of everything written.
func (w *Writer) appendTrace(code []byte) {
	if f := w.innermost(); f != nil {
		f.trace = append(f.trace, code...)
	} else {
		w.topSig = append(w.topSig, code...)
	}
}

// recordTypeCode appends a single primitive type code to the current trace.
// A primitive written directly into the second or a later element of an
// array is checked against the first element's trace at once; nested
// containers and variants are checked when the element boundary is crossed.
func (w *Writer) recordTypeCode(c TypeCode) {
	w.appendTrace([]byte{byte(c)})
	if c == TypeVariant {
		return
	}
	if f := w.innermost(); f != nil && f.kind == frameArray && f.entries > 0 && !bytes.HasPrefix(f.sig, f.trace) {
		w.fail(fmt.Errorf("%w: array/dict element type changed between iterations", ErrInvalidSignature))
	}
}

// checkIterationConsistency is called whenever an array/dict element
// boundary is crossed (NextEntry or the closing End call). It compares
// the just-finished element's trace against the first element's, and
// InvalidDatas on mismatch.
func (f *writerFrame) checkIterationConsistency() error {
	if f.entries == 0 {
		f.sig = append([]byte(nil), f.trace...)
	} else if !bytes.Equal(f.sig, f.trace) {
		return fmt.Errorf("%w: array/dict element type changed between iterations", ErrInvalidSignature)
	}
	f.entries++
	f.trace = f.trace[:0]
	return nil
}

func (w *Writer) writePrimitive(t TypeCode, align int, put func()) {
	if w.state == InvalidData {
		return
	}
	w.pad(align)
	put()
	w.recordTypeCode(t)
}

// WriteByte appends a single byte.
func (w *Writer) WriteByte(v byte) {
	w.writePrimitive(TypeByte, 1, func() { w.buf.WriteByte(v) })
}

// WriteBool appends a boolean, wire-encoded as a 4-byte 0 or 1.
func (w *Writer) WriteBool(v bool) {
	w.writePrimitive(TypeBoolean, 4, func() {
		var b [4]byte
		if v {
			w.order.PutUint32(b[:], 1)
		}
		w.buf.Write(b[:])
	})
}

// WriteInt16 appends a signed 16-bit integer.
func (w *Writer) WriteInt16(v int16) {
	w.writePrimitive(TypeInt16, 2, func() {
		var b [2]byte
		w.order.PutUint16(b[:], uint16(v))
		w.buf.Write(b[:])
	})
}

// WriteUint16 appends an unsigned 16-bit integer.
func (w *Writer) WriteUint16(v uint16) {
	w.writePrimitive(TypeUint16, 2, func() {
		var b [2]byte
		w.order.PutUint16(b[:], v)
		w.buf.Write(b[:])
	})
}

// WriteInt32 appends a signed 32-bit integer.
func (w *Writer) WriteInt32(v int32) {
	w.writePrimitive(TypeInt32, 4, func() {
		var b [4]byte
		w.order.PutUint32(b[:], uint32(v))
		w.buf.Write(b[:])
	})
}

// WriteUint32 appends an unsigned 32-bit integer.
func (w *Writer) WriteUint32(v uint32) {
	w.writePrimitive(TypeUint32, 4, func() {
		var b [4]byte
		w.order.PutUint32(b[:], v)
		w.buf.Write(b[:])
	})
}

// WriteInt64 appends a signed 64-bit integer.
func (w *Writer) WriteInt64(v int64) {
	w.writePrimitive(TypeInt64, 8, func() {
		var b [8]byte
		w.order.PutUint64(b[:], uint64(v))
		w.buf.Write(b[:])
	})
}

// WriteUint64 appends an unsigned 64-bit integer.
func (w *Writer) WriteUint64(v uint64) {
	w.writePrimitive(TypeUint64, 8, func() {
		var b [8]byte
		w.order.PutUint64(b[:], v)
		w.buf.Write(b[:])
	})
}

// WriteDouble appends an IEEE-754 double.
func (w *Writer) WriteDouble(v float64) {
	w.writePrimitive(TypeDouble, 8, func() {
		var b [8]byte
		w.order.PutUint64(b[:], math.Float64bits(v))
		w.buf.Write(b[:])
	})
}

// WriteUnixFD appends an index into the message's out-of-band
// attached-fd list (the fd itself travels as ancillary transport data,
// never inline).
func (w *Writer) WriteUnixFD(index uint32) {
	w.writePrimitive(TypeUnixFD, 4, func() {
		var b [4]byte
		w.order.PutUint32(b[:], index)
		w.buf.Write(b[:])
	})
}

func (w *Writer) writeLengthPrefixedString(t TypeCode, s string) {
	if w.state == InvalidData {
		return
	}
	if t != TypeSignature {
		w.pad(4)
		var b [4]byte
		w.order.PutUint32(b[:], uint32(len(s)))
		w.buf.Write(b[:])
	} else {
		if len(s) > MaxSignatureLength {
			w.fail(ErrSignatureTooLong)
			return
		}
		w.buf.WriteByte(byte(len(s)))
	}
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
	w.recordTypeCode(t)
}

// WriteString appends a UTF-8 string (4-byte length prefix + bytes + NUL).
func (w *Writer) WriteString(s string) {
	w.writeLengthPrefixedString(TypeString, s)
}

// WriteObjectPath appends an object path. The path must be non-empty
// and start with '/'.
func (w *Writer) WriteObjectPath(s string) {
	if w.state == InvalidData {
		return
	}
	if len(s) == 0 || s[0] != '/' {
		w.fail(fmt.Errorf("invalid object path %q", s))
		return
	}
	w.writeLengthPrefixedString(TypeObjectPath, s)
}

// WriteSignature appends a type signature (1-byte length prefix).
func (w *Writer) WriteSignature(s Signature) {
	if w.state == InvalidData {
		return
	}
	if err := ValidateSignature(string(s)); err != nil {
		w.fail(err)
		return
	}
	w.writeLengthPrefixedString(TypeSignature, string(s))
}

// BeginArray opens an array. elemAlign is the alignment of one array
// element (8 for dict entries and structs); the length prefix written
// here is patched with the payload's byte length by EndArray. The
// caller follows with a homogeneous element sequence — dict-entry
// pairs (BeginDictEntry/EndDictEntry) or single complete types.
func (w *Writer) BeginArray(elemAlign int) {
	if w.state == InvalidData {
		return
	}
	if !w.checkDepth(frameArray) {
		return
	}
	w.pad(4)
	lenPos := w.buf.Len()
	var placeholder [4]byte
	w.buf.Write(placeholder[:])
	w.pad(elemAlign)
	w.frames = append(w.frames, writerFrame{
		kind:      frameArray,
		lenPos:    lenPos,
		elemStart: w.buf.Len(),
		elemAlign: elemAlign,
	})
	w.state = BeginArray
}

// NextArrayEntry marks the boundary between one array element and the
// next. It is not required before the matching EndArray call, which
// checks the final element itself.
func (w *Writer) NextArrayEntry() {
	if w.state == InvalidData {
		return
	}
	f := w.innermost()
	if f == nil || f.kind != frameArray {
		w.fail(fmt.Errorf("NextArrayEntry called outside an array"))
		return
	}
	if err := f.checkIterationConsistency(); err != nil {
		w.fail(err)
		return
	}
	w.state = NextArrayEntry
}

// EndArray closes the current array and patches in its byte length.
func (w *Writer) EndArray() {
	if w.state == InvalidData {
		return
	}
	n := len(w.frames)
	if n == 0 || w.frames[n-1].kind != frameArray {
		w.fail(fmt.Errorf("EndArray called outside an array"))
		return
	}
	f := w.frames[n-1]
	if len(f.trace) > 0 || f.entries == 0 {
		if err := f.checkIterationConsistency(); err != nil {
			w.fail(err)
			return
		}
	}
	w.frames = w.frames[:n-1]
	length := uint32(w.buf.Len() - f.elemStart)
	out := w.buf.Bytes()
	w.order.PutUint32(out[f.lenPos:f.lenPos+4], length)
	code := append([]byte{byte(TypeArray)}, f.sig...)
	w.appendTrace(code)
	w.state = EndArray
}

// BeginStruct opens a struct, aligning to 8 bytes; there is no length
// prefix.
func (w *Writer) BeginStruct() {
	if w.state == InvalidData {
		return
	}
	if !w.checkDepth(frameStruct) {
		return
	}
	w.pad(8)
	w.frames = append(w.frames, writerFrame{kind: frameStruct})
	w.state = BeginStruct
}

// EndStruct closes the current struct.
func (w *Writer) EndStruct() {
	if w.state == InvalidData {
		return
	}
	n := len(w.frames)
	if n == 0 || w.frames[n-1].kind != frameStruct {
		w.fail(fmt.Errorf("EndStruct called outside a struct"))
		return
	}
	f := w.frames[n-1]
	w.frames = w.frames[:n-1]
	code := append([]byte{byte(TypeStructOpen)}, f.trace...)
	code = append(code, byte(TypeStructEnd))
	w.appendTrace(code)
	w.state = EndStruct
}

// BeginDictEntry opens one dict-entry (8-byte aligned, no prefix); key
// must be written next via exactly one primitive Write call, then the
// value, then EndDictEntry.
func (w *Writer) BeginDictEntry() {
	if w.state == InvalidData {
		return
	}
	if !w.checkDepth(frameDictEntry) {
		return
	}
	w.pad(8)
	w.frames = append(w.frames, writerFrame{kind: frameDictEntry})
	w.state = BeginDict
}

// EndDictEntry closes the current dict-entry.
func (w *Writer) EndDictEntry() {
	if w.state == InvalidData {
		return
	}
	n := len(w.frames)
	if n == 0 || w.frames[n-1].kind != frameDictEntry {
		w.fail(fmt.Errorf("EndDictEntry called outside a dict entry"))
		return
	}
	f := w.frames[n-1]
	w.frames = w.frames[:n-1]
	code := append([]byte{byte(TypeDictOpen)}, f.trace...)
	code = append(code, byte(TypeDictEnd))
	w.appendTrace(code)
	w.state = EndDict
}

// BeginVariant opens a variant: writes the 1-byte signature length,
// the contained signature, and a NUL, then aligns for the value.
func (w *Writer) BeginVariant(sig Signature) {
	if w.state == InvalidData {
		return
	}
	if !w.checkDepth(frameVariant) {
		return
	}
	if err := ValidateSignature(string(sig)); err != nil {
		w.fail(err)
		return
	}
	w.buf.WriteByte(byte(len(sig)))
	w.buf.WriteString(string(sig))
	w.buf.WriteByte(0)
	w.frames = append(w.frames, writerFrame{kind: frameVariant})
	w.state = BeginVariant
}

// EndVariant closes the current variant.
func (w *Writer) EndVariant() {
	if w.state == InvalidData {
		return
	}
	n := len(w.frames)
	if n == 0 || w.frames[n-1].kind != frameVariant {
		w.fail(fmt.Errorf("EndVariant called outside a variant"))
		return
	}
	w.frames = w.frames[:n-1]
	w.recordTypeCode(TypeVariant)
	w.state = EndVariant
}

// Finish seals the buffer and returns the completed Arguments. It
// fails if any container is still open or the cursor is InvalidData.
func (w *Writer) Finish() (*Arguments, error) {
	if w.state == InvalidData {
		return nil, w.err
	}
	if len(w.frames) != 0 {
		return nil, fmt.Errorf("cannot finish: %d container(s) still open", len(w.frames))
	}
	w.state = Finished
	return &Arguments{
		Signature: Signature(w.topSig),
		Data:      append([]byte(nil), w.buf.Bytes()...),
		Order:     w.order,
	}, nil
}
