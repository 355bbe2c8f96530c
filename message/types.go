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
Package message implements the bus Message: a fixed 12-byte header
prefix, an array of variant-typed header fields, and a wire.Arguments
payload. It drives its own serialization (Serialize) and staged,
resumable decode (Decoder) so a Transport never has to buffer more
than one incomplete message at a time.
*/
package message

import "fmt"

// Type is the message type byte carried in the fixed header.
type Type byte

// Message types, in the order the bus wire protocol assigns them.
const (
	TypeInvalid Type = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var typeNames = map[Type]string{
	TypeInvalid:      "Invalid",
	TypeMethodCall:   "MethodCall",
	TypeMethodReturn: "MethodReturn",
	TypeError:        "Error",
	TypeSignal:       "Signal",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", byte(t))
}

// Flags, bit positions within the header's one flags byte.
const (
	FlagNoReplyExpected      byte = 1 << 0
	FlagNoAutoStart          byte = 1 << 1
	FlagAllowInteractiveAuth byte = 1 << 2
)

// ProtocolVersion is the only version this module speaks.
const ProtocolVersion byte = 1

// HeaderField is the one-byte field code prefixing each variant-typed
// entry in the header fields array.
type HeaderField byte

// Header field codes.
const (
	FieldInvalid HeaderField = iota
	FieldPath
	FieldInterface
	FieldMember
	FieldErrorName
	FieldReplySerial
	FieldDestination
	FieldSender
	FieldSignature
	FieldUnixFDs
)

// MaxUnixFDs is the hard per-message cap on attached file descriptors.
const MaxUnixFDs = 16

// FixedHeaderSize is the byte size of the non-variant header prefix:
// endian, type, flags, protocol version, body length, serial.
const FixedHeaderSize = 12
