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

import "encoding/binary"

// Arguments is a sealed, marshalled value buffer: the signature that
// describes it, the encoded bytes, and the byte order they were
// encoded in. A Message's payload is one Arguments buffer.
type Arguments struct {
	Signature Signature
	Data      []byte
	Order     binary.ByteOrder
}

// NewReader returns a Reader positioned at the start of a.Data.
func (a *Arguments) NewReader() *Reader {
	return NewReader(a.Data, a.Order)
}
