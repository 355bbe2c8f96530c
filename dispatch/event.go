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

package dispatch

import (
	"os"

	"github.com/ipcbus/buslink/message"
)

// EventKind names the variant of a cross-goroutine Event.
type EventKind int

// Event variants a Dispatcher's auxiliary wakeup can carry.
const (
	EventSendMessage EventKind = iota
	EventSendMessageWithPendingReply
	EventSpontaneousMessageReceived
	EventPendingReplySuccess
	EventPendingReplyFailure
	EventPendingReplyCancel
	EventSecondaryConnect
	EventSecondaryDisconnect
	EventMainDisconnect
	EventUniqueNameReceived
)

var eventKindNames = map[EventKind]string{
	EventSendMessage:                 "SendMessage",
	EventSendMessageWithPendingReply: "SendMessageWithPendingReply",
	EventSpontaneousMessageReceived:  "SpontaneousMessageReceived",
	EventPendingReplySuccess:         "PendingReplySuccess",
	EventPendingReplyFailure:         "PendingReplyFailure",
	EventPendingReplyCancel:          "PendingReplyCancel",
	EventSecondaryConnect:            "SecondaryConnect",
	EventSecondaryDisconnect:         "SecondaryDisconnect",
	EventMainDisconnect:              "MainDisconnect",
	EventUniqueNameReceived:          "UniqueNameReceived",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Event is a unit of cross-goroutine work queued on a Dispatcher. A
// Receiver owns exactly one Event queue entry at a time; Dispatch
// hands each queued Event to Receiver in FIFO order, inline with the
// normal Poll cycle, never from another goroutine.
type Event struct {
	Kind EventKind

	// Serial names the pending reply this event completes or cancels
	// (EventPendingReply*), or the serial assigned to an outbound
	// message (EventSendMessage*).
	Serial uint32

	Message *message.Message
	Err     error

	// Payload and PayloadFds carry an already-serialized outbound
	// message for EventSendMessage/EventSendMessageWithPendingReply:
	// the sending goroutine pays the marshalling cost once, locally,
	// before handing the bytes to the main Dispatcher's goroutine.
	Payload    []byte
	PayloadFds []*os.File

	// Forwarder identifies the secondary connection an event concerns:
	// the sender of a SendMessageWithPendingReply, the connecting
	// secondary of a SecondaryConnect, the leaving one of a
	// SecondaryDisconnect.
	// Opaque to Dispatcher; interpreted by the Receiver.
	Forwarder any

	UniqueName string
}

// Receiver handles Events drained from a Dispatcher's auxiliary
// wakeup. Exactly one Receiver is registered per Dispatcher; a
// Connection implements this to receive events targeting it.
type Receiver interface {
	HandleEvent(e Event)
}
