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

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/wire"
)

// Decoder accumulates bytes arriving from a Transport and decodes
// complete Messages from them. It is resumable: Feed appends whatever
// arrived on the last readable tick, and Decode is called again; if
// the accumulated bytes don't yet hold a whole message it returns
// wire.NeedMoreData and consumes nothing, exactly mirroring the
// three-stage "fixed prefix, then fields by length, then body"
// staged receive the bus protocol requires.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Pending reports how many undecoded bytes are currently buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Decode attempts to decode one Message from the front of the buffer.
// On wire.NeedMoreData it consumes nothing and the caller should Feed
// more bytes once the transport is readable again. On wire.InvalidData
// the Decoder should be discarded along with its Connection — the
// stream is no longer framable.
func (d *Decoder) Decode() (*Message, wire.IoState, error) {
	if len(d.buf) < FixedHeaderSize+4 {
		return nil, wire.NeedMoreData, nil
	}

	var h Header
	unmarshalHeader(&h, d.buf)
	if h.Type == TypeInvalid {
		return nil, wire.InvalidData, fmt.Errorf("%w: message type Invalid", buserr.ErrMalformedMessage)
	}
	order := h.order()

	fieldsLen := int(order.Uint32(d.buf[FixedHeaderSize : FixedHeaderSize+4]))
	fieldsPayloadStart := FixedHeaderSize + 4 // always 8-aligned: 12+4=16
	fieldsPayloadEnd := fieldsPayloadStart + fieldsLen
	if len(d.buf) < fieldsPayloadEnd {
		return nil, wire.NeedMoreData, nil
	}

	bodyStart := fieldsPayloadEnd
	if pad := bodyStart % 8; pad != 0 {
		bodyStart += 8 - pad
	}
	bodyEnd := bodyStart + int(h.BodyLength)
	if len(d.buf) < bodyEnd {
		return nil, wire.NeedMoreData, nil
	}

	m := &Message{Header: h}
	r := wire.NewReader(d.buf[:bodyEnd], order)
	r.SkipRaw(FixedHeaderSize)
	if err := m.readFields(r); err != nil {
		return nil, wire.InvalidData, err
	}
	r.AlignTo(8)

	if r.Pos() != bodyStart {
		return nil, wire.InvalidData, fmt.Errorf("%w: header fields length mismatch", buserr.ErrMalformedMessage)
	}
	m.Body = &wire.Arguments{Signature: m.Signature, Data: append([]byte(nil), d.buf[bodyStart:bodyEnd]...), Order: order}

	if err := m.validateRequiredFields(); err != nil {
		return nil, wire.InvalidData, err
	}

	d.buf = append([]byte(nil), d.buf[bodyEnd:]...)
	return m, wire.Finished, nil
}

// readFields decodes the header fields array (a(yv)) from r into m.
func (m *Message) readFields(r *wire.Reader) error {
	if _, ok := r.BeginArray(8); !ok {
		return fmt.Errorf("%w: decoding header fields array: %v", buserr.ErrMalformedMessage, r.Err())
	}
	for !r.AtArrayEnd() {
		if !r.BeginStruct() {
			return fmt.Errorf("%w: decoding header field entry: %v", buserr.ErrMalformedMessage, r.Err())
		}
		code, ok := r.ReadByte()
		if !ok {
			return fmt.Errorf("%w: reading header field code: %v", buserr.ErrMalformedMessage, r.Err())
		}
		sig, ok := r.BeginVariant()
		if !ok {
			return fmt.Errorf("%w: reading header field variant: %v", buserr.ErrMalformedMessage, r.Err())
		}
		if err := m.readFieldValue(HeaderField(code), sig, r); err != nil {
			return err
		}
		if !r.EndVariant() || !r.EndStruct() {
			return fmt.Errorf("%w: closing header field entry: %v", buserr.ErrMalformedMessage, r.Err())
		}
	}
	if !r.EndArray() {
		return fmt.Errorf("%w: closing header fields array: %v", buserr.ErrMalformedMessage, r.Err())
	}
	return nil
}

func (m *Message) readFieldValue(code HeaderField, sig wire.Signature, r *wire.Reader) error {
	switch code {
	case FieldPath:
		v, ok := r.ReadObjectPath()
		if !ok {
			return fmt.Errorf("%w: reading path field: %v", buserr.ErrInvalidObjectPath, r.Err())
		}
		m.Path = v
	case FieldInterface:
		v, ok := r.ReadString()
		if !ok {
			return fieldReadErr("interface", r)
		}
		m.Interface = v
	case FieldMember:
		v, ok := r.ReadString()
		if !ok {
			return fieldReadErr("member", r)
		}
		m.Member = v
	case FieldErrorName:
		v, ok := r.ReadString()
		if !ok {
			return fieldReadErr("error name", r)
		}
		m.ErrorName = v
	case FieldReplySerial:
		v, ok := r.ReadUint32()
		if !ok {
			return fieldReadErr("reply serial", r)
		}
		m.ReplySerial = v
		m.HasReply = true
	case FieldDestination:
		v, ok := r.ReadString()
		if !ok {
			return fieldReadErr("destination", r)
		}
		m.Destination = v
	case FieldSender:
		v, ok := r.ReadString()
		if !ok {
			return fieldReadErr("sender", r)
		}
		m.Sender = v
	case FieldSignature:
		v, ok := r.ReadSignature()
		if !ok {
			return fieldReadErr("signature", r)
		}
		m.Signature = v
	case FieldUnixFDs:
		n, ok := r.ReadUint32()
		if !ok {
			return fieldReadErr("unix fds", r)
		}
		m.numFds = int(n)
	default:
		return fmt.Errorf("%w: unknown header field code %d (signature %q)", buserr.ErrMalformedMessage, code, sig)
	}
	return nil
}

func fieldReadErr(name string, r *wire.Reader) error {
	return fmt.Errorf("%w: reading %s field: %v", buserr.ErrMalformedMessage, name, r.Err())
}
