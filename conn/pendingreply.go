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

package conn

import (
	"sync"

	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/dispatch"
	"github.com/ipcbus/buslink/message"
	"github.com/ipcbus/buslink/wire"
)

// ReplyState is a PendingReply's terminal-or-not state, grounded on
// original_source/connection/pendingreply_p.h's m_isFinished +
// Error pairing, split out into an explicit enum since Go has no
// is-error-null-or-set ambiguity to lean on.
type ReplyState int

// PendingReply states.
const (
	ReplyUnfinished ReplyState = iota
	ReplySuccess
	ReplyRemoteError
	ReplyTimedOut
	ReplyCancelled
	ReplyLocalDisconnect
)

// CompletionFunc is invoked, on the creating goroutine's Dispatcher,
// exactly once when a PendingReply reaches a terminal state.
type CompletionFunc func(pr *PendingReply)

// PendingReply is the handle an application holds while awaiting a
// method call's reply. It is created synchronously by Connection.Send
// and always completes exactly once — with a value, a RemoteError, a
// Timeout, a Cancel, or a LocalDisconnect — on the Dispatcher of the
// Connection that created it.
type PendingReply struct {
	mu sync.Mutex

	owner  *Connection
	serial uint32

	state ReplyState
	value *message.Message
	err   error

	completion CompletionFunc
	cookie     any
	timer      *dispatch.Timer

	detached bool
}

// newPendingReply constructs an unfinished PendingReply for serial,
// owned by c. If timeoutMs >= 0 (0 included, so an immediate timeout
// is still delivered asynchronously and callers see uniform timing),
// a non-repeating dispatch.Timer is armed.
func newPendingReply(c *Connection, serial uint32, timeoutMs int, completion CompletionFunc) *PendingReply {
	pr := &PendingReply{owner: c, serial: serial, completion: completion}
	if timeoutMs >= 0 {
		pr.timer = c.disp.AddTimer(int64(timeoutMs), false, func(*dispatch.Timer) {
			pr.completeTimeout()
		})
	}
	return pr
}

// newFailedPendingReply constructs a PendingReply that is already
// doomed: a zero-delay timer delivers state and err on the next
// iteration of c's Dispatcher, so an enqueue failure surfaces through
// the same asynchronous path a successful send's completion would.
// Callers never branch between a sync and an async error path.
func newFailedPendingReply(c *Connection, serial uint32, state ReplyState, err error) *PendingReply {
	pr := &PendingReply{owner: c, serial: serial}
	pr.timer = c.disp.AddTimer(0, false, func(*dispatch.Timer) {
		pr.complete(state, nil, err)
	})
	return pr
}

// SetCompletion installs f to be invoked exactly once when pr reaches
// a terminal state, on the Dispatcher of the Connection that created
// pr. If pr has already finished, f runs immediately on the calling
// goroutine instead.
func (pr *PendingReply) SetCompletion(f CompletionFunc) {
	pr.mu.Lock()
	finished := pr.state != ReplyUnfinished
	if !finished {
		pr.completion = f
	}
	pr.mu.Unlock()
	if finished && f != nil {
		f(pr)
	}
}

// complete finishes pr if it hasn't already, invoking the
// completion callback outside the lock.
func (pr *PendingReply) complete(state ReplyState, value *message.Message, err error) {
	pr.mu.Lock()
	if pr.state != ReplyUnfinished {
		pr.mu.Unlock()
		return
	}
	pr.state = state
	pr.value = value
	pr.err = err
	if pr.timer != nil {
		pr.timer.Stop()
	}
	cb := pr.completion
	pr.mu.Unlock()
	if state == ReplyTimedOut {
		pr.owner.stats.repliesTimedOut.Add(1)
	} else {
		pr.owner.stats.repliesCompleted.Add(1)
	}
	if cb != nil {
		cb(pr)
	}
}

func (pr *PendingReply) completeTimeout() {
	pr.owner.unregisterPendingReply(pr.serial)
	pr.complete(ReplyTimedOut, nil, buserr.ErrTimeout)
}

// completeValue finishes pr with a successful MethodReturn.
func (pr *PendingReply) completeValue(m *message.Message) { pr.complete(ReplySuccess, m, nil) }

// completeRemoteError finishes pr with an Error-typed reply.
func (pr *PendingReply) completeRemoteError(m *message.Message) {
	re := &buserr.RemoteError{Name: m.ErrorName}
	if m.Body != nil {
		re.Body = decodeBodyBestEffort(m.Body)
	}
	pr.complete(ReplyRemoteError, m, re)
}

// completeLocalDisconnect finishes pr because its owning Connection
// tore down (or the secondary lost its link to main) before a reply
// arrived.
func (pr *PendingReply) completeLocalDisconnect() {
	pr.complete(ReplyLocalDisconnect, nil, buserr.ErrLocalDisconnect)
}

// IsFinished reports whether pr has reached a terminal state.
func (pr *PendingReply) IsFinished() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state != ReplyUnfinished
}

// State returns pr's current ReplyState.
func (pr *PendingReply) State() ReplyState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state
}

// Message returns the successful reply, or nil if pr did not
// complete with ReplySuccess.
func (pr *PendingReply) Message() *message.Message {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.state == ReplySuccess {
		return pr.value
	}
	return nil
}

// Err returns the completion error: nil only for ReplySuccess. An
// unfinished reply reports ErrDetachedPendingReply — callers should
// check IsFinished first.
func (pr *PendingReply) Err() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.state == ReplyUnfinished {
		return buserr.ErrDetachedPendingReply
	}
	return pr.err
}

// SetCookie attaches an application-defined value to pr, mirroring
// PendingReply::setCookie/cookie() in the original — a slot for
// correlating a reply back to whatever request context created it,
// without requiring a closure capture at every call site.
func (pr *PendingReply) SetCookie(v any) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.cookie = v
}

// Cookie returns the value set by SetCookie, or nil.
func (pr *PendingReply) Cookie() any {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.cookie
}

// Cancel detaches pr before it would otherwise complete: the owning
// Connection unregisters it (forwarding a PendingReplyCancel event to
// main if pr belongs to a secondary) and pr completes with
// ReplyCancelled. Calling Cancel on an already-finished reply is a
// no-op, matching the original's "destroying an already-finished
// PendingReply just frees its stored reply" behavior.
func (pr *PendingReply) Cancel() {
	pr.mu.Lock()
	if pr.state != ReplyUnfinished || pr.detached {
		pr.mu.Unlock()
		return
	}
	pr.detached = true
	pr.mu.Unlock()

	pr.owner.unregisterPendingReply(pr.serial)
	pr.complete(ReplyCancelled, nil, buserr.ErrDetachedPendingReply)
}

// decodeBodyBestEffort extracts the leading string argument of an
// error reply's body for buserr.RemoteError.Body, matching the "first
// string argument is usually the human-readable message" convention
// most error replies follow. A decode failure yields nil rather than
// propagating a second error out of an already-failed call.
func decodeBodyBestEffort(body *wire.Arguments) []any {
	if len(body.Signature) == 0 || body.Signature[0] != byte(wire.TypeString) {
		return nil
	}
	r := body.NewReader()
	s, ok := r.ReadString()
	if !ok {
		return nil
	}
	return []any{s}
}
