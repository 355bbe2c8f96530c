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
Package dispatch runs the per-goroutine event loop a Connection is
pinned to: one poll(2) call (unix.Poll) multiplexing transport
readiness, due timers, and a cross-goroutine event queue whose posts
wake the loop through a self-pipe. The loop is long-lived and keeps
running across many request/reply exchanges.
*/
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// wakeStop and wakeEvent are the two single-byte intents a Dispatcher's
// self-pipe can carry.
const (
	wakeStop  byte = 'S'
	wakeEvent byte = 'N'
)

// Dispatcher is one thread's (goroutine's) event loop. It is not safe
// for concurrent use except for PostEvent and Interrupt, which are the
// only two entry points meant to be called from other goroutines.
type Dispatcher struct {
	mu             sync.Mutex
	timers         timerHeap
	nextSerial     uint16
	triggeredTimer *Timer
	pendingRemoval bool
	epoch          int64

	listeners map[int]Listener
	receiver  Receiver

	evMu   sync.Mutex
	events []Event

	wakeR, wakeW int
	external     ExternalPoller
	stopped      bool

	nowMs func() int64
}

// New creates a Dispatcher with its own self-pipe wakeup channel. recv
// is the single Receiver that queued Events are delivered to; it may
// be nil if this Dispatcher never queues Events (a pure I/O/timer
// loop, e.g. for a bus-style server accept loop).
func New(recv Receiver) (*Dispatcher, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("dispatch: creating wakeup pipe: %w", err)
	}
	return &Dispatcher{
		listeners: make(map[int]Listener),
		receiver:  recv,
		wakeR:     fds[0],
		wakeW:     fds[1],
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// UseExternalPoller switches the Dispatcher to externally-driven mode:
// listener interest changes are reported to p instead of being waited
// on internally by Poll. The host must call NotifyFdReady whenever its
// own wait loop reports one of the watched fds ready, and must still
// call Poll periodically (with timeout 0) so timers and queued Events
// are serviced — the host's own wait determines the effective
// interval using NextTimeoutMs.
func (d *Dispatcher) UseExternalPoller(p ExternalPoller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.external = p
	for fd, l := range d.listeners {
		p.WatchFd(fd, l.Interest())
	}
}

// RegisterListener adds a Transport or Server to be driven by this
// Dispatcher.
func (d *Dispatcher) RegisterListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[l.Fd()] = l
	if d.external != nil {
		d.external.WatchFd(l.Fd(), l.Interest())
	}
}

// UnregisterListener removes a previously-registered Listener.
func (d *Dispatcher) UnregisterListener(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, fd)
	if d.external != nil {
		d.external.UnwatchFd(fd)
	}
}

// PostEvent queues e for delivery to this Dispatcher's Receiver and
// wakes the Dispatcher if it is blocked in Poll. Safe to call from any
// goroutine — this is the sole cross-goroutine forwarding mechanism
// pending replies and secondary connections use.
func (d *Dispatcher) PostEvent(e Event) {
	d.evMu.Lock()
	d.events = append(d.events, e)
	d.evMu.Unlock()
	d.wake(wakeEvent)
}

// Interrupt stops a blocked or future Poll call, causing it to return
// false. Safe to call from any goroutine.
func (d *Dispatcher) Interrupt() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wake(wakeStop)
}

func (d *Dispatcher) wake(b byte) {
	for {
		_, err := unix.Write(d.wakeW, []byte{b})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return
	}
}

// Close releases the self-pipe. It does not close registered
// Listeners' transports; callers own those.
func (d *Dispatcher) Close() error {
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	return nil
}

// NextTimeoutMs reports how long a caller (internal or external) may
// safely wait before Poll needs to run again, clamped to at most
// maxMs. -1 means there is no due timer and the caller may wait
// indefinitely for a readiness or wakeup event.
func (d *Dispatcher) NextTimeoutMs(maxMs int) int {
	due := d.nextDueMs()
	if due < 0 {
		if maxMs < 0 {
			return -1
		}
		return maxMs
	}
	remaining := due - d.nowMs()
	if remaining < 0 {
		remaining = 0
	}
	if maxMs >= 0 && int64(maxMs) < remaining {
		return maxMs
	}
	return int(remaining)
}

// NotifyFdReady tells the Dispatcher that an externally-driven poll
// observed fd ready for the given interest. It invokes the matching
// Listener callback directly; it does not itself drain timers or the
// event queue — call Poll(0) for that.
func (d *Dispatcher) NotifyFdReady(fd int, readable, writable bool) {
	d.mu.Lock()
	l, ok := d.listeners[fd]
	d.mu.Unlock()
	if !ok {
		return
	}
	if readable {
		l.OnReadable()
	}
	if writable {
		l.OnWritable()
	}
}

// Poll runs exactly one cycle: wait (internally, via unix.Poll, unless
// an ExternalPoller is in effect, in which case this only drains
// timers and the event queue), dispatch ready listeners, drain queued
// Events, and fire due timers. timeoutMs bounds the internal wait;
// -1 waits indefinitely for readiness, a timer, or PostEvent/Interrupt.
// Returns false once Interrupt has been called.
func (d *Dispatcher) Poll(timeoutMs int) (bool, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()

	effective := d.NextTimeoutMs(timeoutMs)

	if d.external == nil {
		if err := d.pollInternal(effective); err != nil {
			return false, err
		}
	} else {
		d.drainWake()
	}

	d.evMu.Lock()
	pending := d.events
	d.events = nil
	d.evMu.Unlock()
	for _, e := range pending {
		if d.receiver != nil {
			d.receiver.HandleEvent(e)
		}
	}

	d.fireDueTimers(d.nowMs())

	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	return !stopped, nil
}

// drainWake consumes any bytes sitting in the self-pipe without
// blocking, for the externally-driven path where the host's own wait
// already observed wakeR readable.
func (d *Dispatcher) drainWake() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(d.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (d *Dispatcher) pollInternal(timeoutMs int) error {
	d.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(d.listeners)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(d.wakeR), Events: unix.POLLIN})
	fdOrder := make([]int, 0, len(d.listeners))
	for fd, l := range d.listeners {
		var ev int16
		if l.Interest()&InterestRead != 0 {
			ev |= unix.POLLIN
		}
		if l.Interest()&InterestWrite != 0 {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
		fdOrder = append(fdOrder, fd)
	}
	d.mu.Unlock()

	for {
		_, err := unix.Poll(pfds, timeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("dispatch: poll: %w", err)
		}
		break
	}

	if pfds[0].Revents&unix.POLLIN != 0 {
		d.drainWake()
	}

	for i, fd := range fdOrder {
		revents := pfds[i+1].Revents
		if revents == 0 {
			continue
		}
		d.mu.Lock()
		l, ok := d.listeners[fd]
		d.mu.Unlock()
		if !ok {
			continue
		}
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			l.OnReadable()
		}
		if revents&unix.POLLOUT != 0 {
			l.OnWritable()
		}
	}
	return nil
}
