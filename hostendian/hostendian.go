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
Package hostendian detects the byte order of the machine this code is
running on.

The bus wire format stamps every message with a one-byte endianness
flag ('l' for little, 'B' for big) taken from whatever order the
sender's machine happens to use natively, so a marshaller has to know
its own host order before it can pick that flag or default to it when
composing an outbound message.
*/
package hostendian

import (
	"encoding/binary"
	"unsafe"
)

// Order is the byte order of the host this process runs on.
var Order binary.ByteOrder = binary.LittleEndian

// IsBigEndian reports whether the host is big-endian.
var IsBigEndian bool

// LittleFlag and BigFlag are the wire-header endianness markers.
const (
	LittleFlag byte = 'l'
	BigFlag    byte = 'B'
)

func init() {
	var i uint16 = 0x0100
	ptr := unsafe.Pointer(&i)
	if *(*byte)(ptr) == 0x01 {
		IsBigEndian = true
		Order = binary.BigEndian
	}
}

// Flag returns the wire-header endianness byte matching the host's
// native byte order.
func Flag() byte {
	if IsBigEndian {
		return BigFlag
	}
	return LittleFlag
}
