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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommLinkTryLockRoundTrip(t *testing.T) {
	a, b := newCommLinkPair()

	ok, broken := a.TryLock()
	assert.True(t, ok)
	assert.False(t, broken)
	assert.Equal(t, linkLocked, a.State())
	assert.Equal(t, linkLocked, b.State())

	ok, broken = b.TryLock()
	assert.False(t, ok)
	assert.False(t, broken)

	a.Unlock()
	assert.Equal(t, linkFree, b.State())
}

func TestCommLinkTryUnlinkIsTerminal(t *testing.T) {
	a, b := newCommLinkPair()

	assert.True(t, a.TryUnlink())
	assert.True(t, a.IsBroken())
	assert.True(t, b.IsBroken())

	// A second TryUnlink from either side just reports already-Broken.
	assert.True(t, b.TryUnlink())

	ok, broken := b.TryLock()
	assert.False(t, ok)
	assert.True(t, broken)
}

func TestCommLinkUnlinkFromLockedSkipsFree(t *testing.T) {
	a, _ := newCommLinkPair()

	ok, _ := a.TryLock()
	require.True(t, ok)

	a.UnlinkFromLocked()
	assert.True(t, a.IsBroken())
}

func TestCommLinkLockSpinsUntilBroken(t *testing.T) {
	a, b := newCommLinkPair()

	ok, _ := a.TryLock()
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		done <- b.Lock()
	}()

	time.Sleep(20 * time.Millisecond)
	a.UnlinkFromLocked()

	select {
	case got := <-done:
		assert.False(t, got, "Lock should report failure once the link is Broken")
	case <-time.After(2 * time.Second):
		t.Fatal("Lock never returned after the link broke")
	}
}

func TestUnlinkerCommitsHeldLockToBroken(t *testing.T) {
	a, b := newCommLinkPair()

	u := NewUnlinker(a, true)
	assert.True(t, u.HasLock())
	assert.True(t, u.WillSucceed())

	u.UnlinkNow()
	assert.True(t, b.IsBroken())

	// A second UnlinkNow is a no-op, not a re-entry into UnlinkFromLocked.
	u.UnlinkNow()
	assert.True(t, b.IsBroken())
}

func TestUnlinkerCloseIsUnlinkNow(t *testing.T) {
	a, b := newCommLinkPair()

	u := NewUnlinker(a, true)
	u.Close()
	assert.True(t, b.IsBroken())
}

func TestLockerAcquiresAndReleases(t *testing.T) {
	a, b := newCommLinkPair()

	l := Lock(a)
	assert.True(t, l.HasLock())
	assert.Equal(t, linkLocked, b.State())

	l.Close()
	assert.Equal(t, linkFree, b.State())

	// Close is idempotent.
	l.Close()
	assert.Equal(t, linkFree, b.State())
}

func TestLockerReportsFailureOnBrokenLink(t *testing.T) {
	a, b := newCommLinkPair()
	a.Unlink()

	l := Lock(b)
	assert.False(t, l.HasLock())
}
