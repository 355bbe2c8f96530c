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
	"github.com/ipcbus/buslink/hostendian"
	"github.com/ipcbus/buslink/wire"
)

// Message is a decoded or to-be-serialized bus message: the fixed
// header, the typed header fields every message type draws from, and
// the body's marshalled arguments plus any attached file descriptors.
type Message struct {
	Header Header

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	HasReply    bool
	Destination string
	Sender      string
	Signature   wire.Signature

	Body *wire.Arguments
	Fds  []*os.File

	// numFds is the count declared by the UnixFDs header field during
	// staged receive, before the Transport's out-of-band fds (which do
	// not arrive framed inside the byte stream) have been matched up
	// and assigned into Fds by the caller driving the Decoder.
	numFds int
}

// NumFds reports how many file descriptors this message's header
// declares, whether or not they have been attached to Fds yet.
func (m *Message) NumFds() int {
	if len(m.Fds) > 0 {
		return len(m.Fds)
	}
	return m.numFds
}

// AttachFds assigns fds received out-of-band to this message's Fds
// field. Called by whoever drives the Decoder once it has matched the
// ancillary fds a Transport.Read delivered to the message that
// declared them via the UnixFDs header field.
func (m *Message) AttachFds(fds []*os.File) {
	m.Fds = fds
}

// NewMethodCall starts a MethodCall message. Serial is assigned by the
// caller (normally a Connection's serial allocator) before Serialize.
func NewMethodCall(path, iface, member, destination string) *Message {
	return &Message{
		Header:      Header{Endian: hostendian.Flag(), Type: TypeMethodCall, ProtocolVersion: ProtocolVersion},
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
	}
}

// NewSignal starts a Signal message.
func NewSignal(path, iface, member string) *Message {
	return &Message{
		Header:    Header{Endian: hostendian.Flag(), Type: TypeSignal, ProtocolVersion: ProtocolVersion, Flags: FlagNoReplyExpected},
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// NewMethodReturn starts a MethodReturn message replying to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Header:      Header{Endian: hostendian.Flag(), Type: TypeMethodReturn, ProtocolVersion: ProtocolVersion, Flags: FlagNoReplyExpected},
		ReplySerial: call.Header.Serial,
		HasReply:    true,
		Destination: call.Sender,
	}
}

// NewError starts an Error message replying to call.
func NewError(call *Message, name string) *Message {
	return &Message{
		Header:      Header{Endian: hostendian.Flag(), Type: TypeError, ProtocolVersion: ProtocolVersion, Flags: FlagNoReplyExpected},
		ErrorName:   name,
		ReplySerial: call.Header.Serial,
		HasReply:    true,
		Destination: call.Sender,
	}
}

// NoReplyExpected reports whether the sender asked not to be replied to.
func (m *Message) NoReplyExpected() bool {
	return m.Header.Flags&FlagNoReplyExpected != 0
}

// SetBody attaches a marshalled argument buffer and its signature.
func (m *Message) SetBody(args *wire.Arguments) {
	m.Body = args
	m.Signature = args.Signature
}

// validateRequiredFields enforces the per-type presence rules: a
// MethodCall needs a path and a member; a Signal needs path+interface+member; a
// MethodReturn/Error needs a reply serial, and Error additionally an
// error name.
func (m *Message) validateRequiredFields() error {
	switch m.Header.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return fmt.Errorf("%w: method call missing path", buserr.ErrMalformedMessage)
		}
		if m.Member == "" {
			return fmt.Errorf("%w: method call missing member", buserr.ErrMalformedMessage)
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return fmt.Errorf("%w: signal missing path, interface or member", buserr.ErrMalformedMessage)
		}
	case TypeMethodReturn:
		if !m.HasReply {
			return fmt.Errorf("%w: method return missing reply serial", buserr.ErrMalformedMessage)
		}
	case TypeError:
		if !m.HasReply {
			return fmt.Errorf("%w: error missing reply serial", buserr.ErrMalformedMessage)
		}
		if m.ErrorName == "" {
			return fmt.Errorf("%w: error missing error name", buserr.ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: invalid message type", buserr.ErrMalformedMessage)
	}
	return nil
}
