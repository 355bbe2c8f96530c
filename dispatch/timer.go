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

import "container/heap"

// serialBits is the width of a timer tag's tie-break field. A
// Dispatcher has at most 1024 timers distinguishable at the same
// due-ms; a 1025th colliding timer reuses a serial, which only means
// its relative order against that one sibling is unspecified.
const serialBits = 10
const serialMask = (uint64(1) << serialBits) - 1

// tag packs a timer's due time (milliseconds, assumed to fit 54 bits —
// about 570,000 years of milliseconds) and an insertion serial into one
// orderable key: ordering by tag ascending orders by due-ms first,
// then by insertion order at equal due-ms.
func tag(dueMs int64, serial uint16) uint64 {
	return (uint64(dueMs) << serialBits) | (uint64(serial) & serialMask)
}

func tagDueMs(t uint64) int64 { return int64(t >> serialBits) }

// TimerFunc is invoked when a Timer fires. It may call Stop on its own
// Timer, or register new Timers on the owning Dispatcher, including on
// itself reentrantly.
type TimerFunc func(t *Timer)

// Timer is a one-shot or repeating due-time registration on a
// Dispatcher. The zero Timer is not usable; construct one with
// Dispatcher.AddTimer.
type Timer struct {
	d          *Dispatcher
	intervalMs int64
	repeating  bool
	cb         TimerFunc

	tag   uint64
	index int // position in the Dispatcher's heap, -1 when unscheduled

	// epoch records which fireDueTimers pass scheduled this Timer.
	// fireDueTimers refuses to pop a Timer stamped with the epoch it
	// is currently running, so a Timer (re)scheduled from inside
	// another Timer's callback during tick N never fires until
	// tick N+1, even when its due-ms has already elapsed.
	epoch int64
}

// Stop cancels the Timer. Safe to call from the Timer's own callback
// (self-stop) or from any point in the owning Dispatcher's goroutine.
// A repeating Timer stopped from its own callback does not reschedule.
func (t *Timer) Stop() {
	if t.d == nil {
		return
	}
	t.d.stopTimer(t)
}

// Reset cancels and reschedules the Timer to fire intervalMs from now,
// overriding the interval it was created with.
func (t *Timer) Reset(intervalMs int64) {
	if t.d == nil {
		return
	}
	t.intervalMs = intervalMs
	t.d.rescheduleTimer(t)
}

// timerHeap is a container/heap ordered by tag ascending: the smallest
// tag is the next timer due.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].tag < h[j].tag }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// AddTimer registers a new Timer due intervalMs from now. If
// repeating, it reschedules itself intervalMs after each firing;
// otherwise it fires once and unregisters itself.
//
// If this is called from inside another Timer's callback and the new
// Timer's due-ms would equal the currently-triggering Timer's due-ms,
// its tag is perturbed to sort immediately before the triggering
// Timer, so it cannot fire again within the same Poll tick (the
// iterator over due timers has already passed that position).
func (d *Dispatcher) AddTimer(intervalMs int64, repeating bool, cb TimerFunc) *Timer {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &Timer{d: d, intervalMs: intervalMs, repeating: repeating, cb: cb, index: -1}
	d.scheduleLocked(t, d.nowMs()+intervalMs)
	return t
}

func (d *Dispatcher) scheduleLocked(t *Timer, dueMs int64) {
	serial := d.nextSerial
	d.nextSerial = (d.nextSerial + 1) & uint16(serialMask)
	newTag := tag(dueMs, serial)

	if d.triggeredTimer != nil && tagDueMs(newTag) == tagDueMs(d.triggeredTimer.tag) {
		newTag = d.triggeredTimer.tag - 1
	}
	t.tag = newTag
	t.epoch = d.epoch
	heap.Push(&d.timers, t)
}

func (d *Dispatcher) stopTimer(t *Timer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t == d.triggeredTimer {
		d.pendingRemoval = true
		return
	}
	if t.index >= 0 {
		heap.Remove(&d.timers, t.index)
	}
}

func (d *Dispatcher) rescheduleTimer(t *Timer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t == d.triggeredTimer {
		// Already rescheduled here; fireDueTimers must not push a
		// second heap entry for the same Timer after the callback.
		d.pendingRemoval = true
		d.scheduleLocked(t, d.nowMs()+t.intervalMs)
		return
	}
	if t.index >= 0 {
		heap.Remove(&d.timers, t.index)
	}
	d.scheduleLocked(t, d.nowMs()+t.intervalMs)
}

// nextDueMs returns the due time of the soonest timer, or -1 if there
// are none.
func (d *Dispatcher) nextDueMs() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.timers) == 0 {
		return -1
	}
	return tagDueMs(d.timers[0].tag)
}

// fireDueTimers pops and invokes every timer due at or before nowMs,
// guarding each invocation against reentrant Stop/Reset/AddTimer calls
// from within the callback itself. A Timer (re)scheduled during this
// very pass — either a brand new one added from another Timer's
// callback, or a zero-interval repeating Timer rescheduling itself —
// is stamped with this pass's epoch and left in the heap for the next
// Poll tick, even if its due-ms has already elapsed.
func (d *Dispatcher) fireDueTimers(nowMs int64) {
	d.mu.Lock()
	d.epoch++
	fireEpoch := d.epoch
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if len(d.timers) == 0 || tagDueMs(d.timers[0].tag) > nowMs {
			d.mu.Unlock()
			return
		}
		if d.timers[0].epoch >= fireEpoch {
			d.mu.Unlock()
			return
		}
		t := heap.Pop(&d.timers).(*Timer)
		d.triggeredTimer = t
		d.pendingRemoval = !t.repeating
		d.mu.Unlock()

		t.cb(t)

		d.mu.Lock()
		d.triggeredTimer = nil
		if t.repeating && !d.pendingRemoval {
			d.scheduleLocked(t, nowMs+t.intervalMs)
		}
		d.pendingRemoval = false
		d.mu.Unlock()
	}
}
