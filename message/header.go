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

	"github.com/ipcbus/buslink/hostendian"
)

// Header is the fixed 12-byte prefix common to every message, decoded
// before the variant header-fields array or the body are touched.
type Header struct {
	Endian          byte
	Type            Type
	Flags           byte
	ProtocolVersion byte
	BodyLength      uint32
	Serial          uint32
}

// order returns the binary.ByteOrder the header's Endian byte selects.
func (h *Header) order() binary.ByteOrder {
	if h.Endian == hostendian.BigFlag {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// unmarshalHeader is not a Header.UnmarshalBinary: a plain function
// operating on the struct keeps every other packet type in this
// package from inheriting an incomplete implementation through
// embedding.
func unmarshalHeader(h *Header, b []byte) {
	h.Endian = b[0]
	h.Type = Type(b[1])
	h.Flags = b[2]
	h.ProtocolVersion = b[3]
	order := h.order()
	h.BodyLength = order.Uint32(b[4:8])
	h.Serial = order.Uint32(b[8:12])
}

// headerMarshalBinaryTo is not a Header.MarshalBinaryTo, for the same
// reason unmarshalHeader isn't a method.
func headerMarshalBinaryTo(h *Header, b []byte) {
	b[0] = h.Endian
	b[1] = byte(h.Type)
	b[2] = h.Flags
	b[3] = h.ProtocolVersion
	order := h.order()
	order.PutUint32(b[4:8], h.BodyLength)
	order.PutUint32(b[8:12], h.Serial)
}
