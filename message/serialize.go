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
	"fmt"
	"os"

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/wire"
)

// writeFields marshals the header fields array (a(yv)) for m into w.
func (m *Message) writeFields(w *wire.Writer) {
	w.BeginArray(8)
	first := true
	entry := func(code HeaderField, sig wire.Signature, put func()) {
		if !first {
			w.NextArrayEntry()
		}
		first = false
		w.BeginStruct()
		w.WriteByte(byte(code))
		w.BeginVariant(sig)
		put()
		w.EndVariant()
		w.EndStruct()
	}

	if m.Path != "" {
		entry(FieldPath, "o", func() { w.WriteObjectPath(m.Path) })
	}
	if m.Interface != "" {
		entry(FieldInterface, "s", func() { w.WriteString(m.Interface) })
	}
	if m.Member != "" {
		entry(FieldMember, "s", func() { w.WriteString(m.Member) })
	}
	if m.ErrorName != "" {
		entry(FieldErrorName, "s", func() { w.WriteString(m.ErrorName) })
	}
	if m.HasReply {
		entry(FieldReplySerial, "u", func() { w.WriteUint32(m.ReplySerial) })
	}
	if m.Destination != "" {
		entry(FieldDestination, "s", func() { w.WriteString(m.Destination) })
	}
	if m.Sender != "" {
		entry(FieldSender, "s", func() { w.WriteString(m.Sender) })
	}
	if m.Signature != "" {
		entry(FieldSignature, "g", func() { w.WriteSignature(m.Signature) })
	}
	if len(m.Fds) > 0 {
		entry(FieldUnixFDs, "u", func() { w.WriteUint32(uint32(len(m.Fds))) })
	}
	w.EndArray()
}

// Serialize produces the complete wire buffer for m: the 12-byte
// fixed header (with BodyLength patched in once it's known), the
// header fields array, padding to an 8-byte body boundary, and the
// body bytes. m.Header.Serial must already be set by the caller.
// Returns the attached file descriptors alongside the bytes, since
// they travel out-of-band on the same Transport.Write call.
func (m *Message) Serialize() ([]byte, []*os.File, error) {
	if len(m.Fds) > MaxUnixFDs {
		return nil, nil, fmt.Errorf("%w: %d attached fds exceeds the %d-fd cap", buserr.ErrMalformedMessage, len(m.Fds), MaxUnixFDs)
	}
	if err := m.validateRequiredFields(); err != nil {
		return nil, nil, err
	}

	// The header-fields array's alignment is computed from the start of
	// the whole message, not from the array's own start (offset 12, not
	// 0): seed the writer's buffer length to FixedHeaderSize so its
	// internal padding decisions land on the same byte offsets a
	// Decoder will expect, then strip the placeholder prefix back off.
	order := m.Header.order()
	fw := wire.NewWriter(order)
	fw.SkipRaw(FixedHeaderSize)
	m.writeFields(fw)
	fieldsArgs, err := fw.Finish()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: marshalling header fields: %v", buserr.ErrMalformedMessage, err)
	}
	fields := fieldsArgs.Data[FixedHeaderSize:]

	var body []byte
	if m.Body != nil {
		body = m.Body.Data
	}
	m.Header.BodyLength = uint32(len(body))

	buf := make([]byte, FixedHeaderSize)
	headerMarshalBinaryTo(&m.Header, buf)
	buf = append(buf, fields...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, body...)

	return buf, m.Fds, nil
}
