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

// CommLink: a tri-state atomic {Free, Locked, Broken} shared by two
// peer handles, coordinating lifetime between a main Connection and a
// secondary on another goroutine. Locked delays a peer's teardown
// while the other side is mid-call; Broken is terminal — once either
// side unlinks, the link never returns to Free. The one behavioral
// choice left to call sites is spin-vs-fail-fast on contention: Lock
// spins (the receive/forwarding path can afford to retry), TryLock
// fails fast (the send path must not block the caller's goroutine).

package conn

import "sync/atomic"

// linkState is a CommLink's tri-state.
type linkState int32

const (
	linkFree linkState = iota
	linkLocked
	linkBroken
)

// sharedLink is the heap-allocated cell two CommLink peers point at.
type sharedLink struct {
	state atomic.Int32
}

// CommLink is one side of a pair of linked handles coordinating
// lifetime between a main Connection and one secondary. Each side
// holds its own *CommLink pointing at the same sharedLink.
type CommLink struct {
	s *sharedLink
}

// newCommLinkPair creates a fresh Free link and returns its two peers.
func newCommLinkPair() (*CommLink, *CommLink) {
	s := &sharedLink{}
	return &CommLink{s: s}, &CommLink{s: s}
}

// TryLock attempts to take the link without blocking. ok is true only
// if the link transitioned Free->Locked; broken is true if the peer
// has already torn the link down (a permanent failure distinct from
// "busy right now").
func (c *CommLink) TryLock() (ok bool, broken bool) {
	if c.s.state.CompareAndSwap(int32(linkFree), int32(linkLocked)) {
		return true, false
	}
	return false, c.s.state.Load() == int32(linkBroken)
}

// Lock spins until it takes the link or observes it Broken. Used on
// call sites that can afford to retry (the receive/forwarding path);
// the send path uses TryLock instead so it never blocks a goroutine
// that's supposed to fail fast.
func (c *CommLink) Lock() bool {
	for {
		ok, broken := c.TryLock()
		if ok {
			return true
		}
		if broken {
			return false
		}
	}
}

// Unlock releases a held lock, returning the link to Free. Calling
// Unlock on a link that is not Locked by this goroutine is a caller
// bug; Unlock on an already-Broken link is a harmless no-op (mirrors
// commutex.h's unlock(), which only asserts the Broken case rather
// than treating it as an error).
func (c *CommLink) Unlock() {
	c.s.state.CompareAndSwap(int32(linkLocked), int32(linkFree))
}

// TryUnlink transitions Free->Broken without blocking, reporting
// whether the link is now (or already was) Broken.
func (c *CommLink) TryUnlink() bool {
	if c.s.state.CompareAndSwap(int32(linkFree), int32(linkBroken)) {
		return true
	}
	return c.s.state.Load() == int32(linkBroken)
}

// Unlink spins until the link is Broken, first waiting for any
// in-progress Locked call to finish. Used when a side is destroyed
// while idle.
func (c *CommLink) Unlink() {
	for !c.TryUnlink() {
	}
}

// UnlinkFromLocked transitions a link this goroutine already holds
// Locked straight to Broken, skipping the trip back through Free.
// Used by Unlinker.UnlinkNow once it holds the lock.
func (c *CommLink) UnlinkFromLocked() {
	c.s.state.CompareAndSwap(int32(linkLocked), int32(linkBroken))
}

// State reports the link's current state, for diagnostics only — by
// the time a caller acts on it, it may already be stale.
func (c *CommLink) State() linkState {
	return linkState(c.s.state.Load())
}

// IsBroken reports whether the peer is known gone.
func (c *CommLink) IsBroken() bool {
	return c.State() == linkBroken
}

// Unlinker tries (optionally spinning until it must succeed) to lock
// a link and then commits straight to Broken, mirroring
// commutex.h's CommutexUnlinker. Connection's own teardown does not
// use it; a main Connection breaks its secondaries' links with
// CommLink.Unlink.
type Unlinker struct {
	link     *CommLink
	locked   bool
	broken   bool
	unlinked bool
}

// NewUnlinker tries to lock link. If mustSucceed, it spins past
// transient contention (the link can only be Locked or Free at this
// point, never already Broken by another path, for any link this
// package hands out) until it acquires the lock or observes Broken.
func NewUnlinker(link *CommLink, mustSucceed bool) *Unlinker {
	u := &Unlinker{link: link}
	for {
		ok, broken := link.TryLock()
		if ok {
			u.locked = true
			return u
		}
		if broken {
			u.broken = true
			return u
		}
		if !mustSucceed {
			return u
		}
	}
}

// HasLock reports whether this Unlinker currently holds link Locked.
func (u *Unlinker) HasLock() bool { return u.locked }

// WillSucceed reports whether UnlinkNow is guaranteed to leave the
// link Broken (true unless the lock attempt hit transient contention
// with mustSucceed=false).
func (u *Unlinker) WillSucceed() bool { return u.locked || u.broken }

// UnlinkNow commits the link to Broken immediately, safe to call at
// most once.
func (u *Unlinker) UnlinkNow() {
	if u.unlinked {
		return
	}
	u.unlinked = true
	if u.locked {
		u.link.UnlinkFromLocked()
	}
}

// Close is Unlinker's deferred-cleanup form: if the caller never
// called UnlinkNow explicitly, do it now.
func (u *Unlinker) Close() {
	u.UnlinkNow()
}

// Locker is the blocking counterpart, mirroring commutex.h's
// CommutexLocker: acquire on construction, release on Close. Used on
// the receive/forwarding path where spinning is acceptable.
type Locker struct {
	link *CommLink
	held bool
}

// Lock blocks (spinning) until link is acquired or found Broken.
func Lock(link *CommLink) *Locker {
	return &Locker{link: link, held: link.Lock()}
}

// HasLock reports whether the lock was actually acquired (false means
// the link was already Broken).
func (l *Locker) HasLock() bool { return l.held }

// Close releases the lock if held. Safe to call once; idempotent.
func (l *Locker) Close() {
	if l.held {
		l.link.Unlock()
		l.held = false
	}
}
