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
Package conn implements Connection, the orchestrator a Dial or a
NewSecondary call returns: it owns a transport.Transport, runs the
auth.Client handshake, drives the Hello exchange, and from then on
serializes outbound message.Messages and dispatches inbound ones to
either a matching PendingReply or the application's spontaneous
receiver — all from the single goroutine that owns its
dispatch.Dispatcher, so only one goroutine ever touches its state.

Grounded on ptp/sptp/client/client.go + sptp.go's per-peer client map,
backoff, and measurement bookkeeping (generalized here into
pending-reply bookkeeping) and on original_source/connection/
connection.cpp/pendingreply.cpp for the exact state names and the
send/receive pipeline split between a standalone/main Connection and a
secondary delegating its I/O across goroutines.
*/
package conn

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/ipcbus/buslink/address"
	"github.com/ipcbus/buslink/auth"
	"github.com/ipcbus/buslink/buserr"
	"github.com/ipcbus/buslink/dispatch"
	"github.com/ipcbus/buslink/message"
	"github.com/ipcbus/buslink/transport"
	"github.com/ipcbus/buslink/wire"
)

// State is a Connection's lifecycle state.
type State int

// Connection states.
const (
	StateUnconnected State = iota
	StateServerWaitingForClient
	StateAuthenticating
	StateAwaitingUniqueName
	StateConnected
)

var stateNames = map[State]string{
	StateUnconnected:            "Unconnected",
	StateServerWaitingForClient: "ServerWaitingForClient",
	StateAuthenticating:         "Authenticating",
	StateAwaitingUniqueName:     "AwaitingUniqueName",
	StateConnected:              "Connected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// topology names whether a Connection is a standalone peer
// connection, the main of a goroutine group, or a secondary
// delegating I/O to a main. These three never coexist on one
// instance.
type topology int

const (
	topoStandalone topology = iota
	topoMain
	topoSecondary
)

// busName for the Hello call.
const (
	busPath        = "/org/freedesktop/DBus"
	busInterface   = "org.freedesktop.DBus"
	busDestination = "org.freedesktop.DBus"
	helloMember    = "Hello"
)

// MessageReceiver handles a spontaneous inbound message (a Signal, or
// a MethodCall addressed to this connection) that did not match any
// pending reply.
type MessageReceiver interface {
	HandleMessage(m *message.Message)
}

// MessageReceiverFunc adapts a function to MessageReceiver.
type MessageReceiverFunc func(m *message.Message)

// HandleMessage implements MessageReceiver.
func (f MessageReceiverFunc) HandleMessage(m *message.Message) { f(m) }

// replyEntry is a tagged union: either a PendingReply owned by this
// Connection (local), or the identifier of a secondary this main
// Connection should forward the eventual reply to (forwarding).
type replyEntry struct {
	local     *PendingReply
	forwardTo uint64
}

// secondaryEntry is what a main Connection keeps per live secondary:
// the main-side CommLink peer and enough of the secondary's identity
// to relay events to it.
type secondaryEntry struct {
	id   uint64
	link *CommLink
	disp *dispatch.Dispatcher
}

// queuedSend is one not-yet-written serialized message sitting in the
// send queue.
type queuedSend struct {
	data []byte
	fds  []*os.File
}

// Connection is the orchestrator. The zero value is not usable;
// construct one with Dial, Listen+AcceptOne, or NewSecondary.
type Connection struct {
	mu    sync.Mutex
	state State
	topo  topology
	role  address.Role

	transport  transport.Transport
	disp       *dispatch.Dispatcher
	decoder    *message.Decoder
	pendingFds []*os.File

	// fdPassingEnabled is decided once by the NEGOTIATE_UNIX_FD
	// handshake (inherited from main by secondaries) and never changes.
	fdPassingEnabled bool

	uniqueName string

	serials *serialAllocator

	sendMu    sync.Mutex
	sendQueue []queuedSend

	replyMu sync.Mutex
	replies map[uint32]*replyEntry

	receiverMu sync.Mutex
	receiver   MessageReceiver
	backlog    []*message.Message

	// main-only bookkeeping.
	secMu       sync.Mutex
	secondaries map[uint64]*secondaryEntry
	nextSecID   uint64

	// secondary-only: the link to main and main's Dispatcher, used to
	// post events back, plus the id main knows this secondary by.
	mainLink    *CommLink
	mainDisp    *dispatch.Dispatcher
	secondaryID uint64

	closeOnce sync.Once

	stats connStats
}

// SetReceiver installs the callback for spontaneous (unmatched)
// inbound messages. Messages that arrived while no receiver was
// installed are delivered, in order, to r from the calling goroutine
// before SetReceiver returns.
func (c *Connection) SetReceiver(r MessageReceiver) {
	c.receiverMu.Lock()
	c.receiver = r
	pending := c.backlog
	c.backlog = nil
	c.receiverMu.Unlock()
	if r == nil {
		return
	}
	for _, m := range pending {
		r.HandleMessage(m)
	}
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dispatcher returns the Dispatcher this Connection was registered
// with. The caller drives it (Poll in a loop) from the goroutine that
// created this Connection.
func (c *Connection) Dispatcher() *dispatch.Dispatcher { return c.disp }

// UniqueName returns the bus-assigned unique name (":N.M"), or "" if
// none has been received yet (standalone peer connections never get
// one).
func (c *Connection) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// topology reads c.topo under the state lock: a standalone Connection
// is promoted to main by the first NewSecondary call, which can race
// reads from the Dispatcher goroutine.
func (c *Connection) topology() topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topo
}

// localCredential returns the numeric uid AUTH EXTERNAL authenticates
// with.
func localCredential() string {
	if u, err := user.Current(); err == nil {
		return u.Uid
	}
	return strconv.Itoa(os.Getuid())
}

// dialTransport opens the raw, non-blocking transport.Transport for
// addr's Kind.
func dialTransport(addr address.ConnectAddress) (transport.Transport, error) {
	switch addr.Kind {
	case address.KindUnixPath, address.KindRuntimeDir, address.KindTmpDir:
		return transport.DialUnixPath(addr.Path)
	case address.KindAbstractUnix:
		return transport.DialUnixAbstract(addr.Path)
	case address.KindTCP:
		return transport.DialTCP(addr.Host, addr.Port)
	default:
		return nil, fmt.Errorf("conn: unsupported address kind %d", addr.Kind)
	}
}

// Dial connects to addr, runs the auth handshake, and — for a
// BusClient role — performs the Hello exchange, registering itself as
// the main Connection of a new goroutine group driven by its own
// Dispatcher. The caller must pump Connection.Dispatcher().Poll from
// the goroutine that called Dial; Dial itself only blocks for the
// handshake, which is synchronous by design.
func Dial(addr address.ConnectAddress, handshakeTimeout time.Duration) (*Connection, error) {
	tr, err := dialTransport(addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial: %w", err)
	}

	c := &Connection{
		topo:        topoMain,
		role:        addr.Role,
		transport:   tr,
		decoder:     message.NewDecoder(),
		serials:     &serialAllocator{},
		replies:     make(map[uint32]*replyEntry),
		secondaries: make(map[uint64]*secondaryEntry),
	}
	disp, err := dispatch.New(c)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("conn: dial: %w", err)
	}
	c.disp = disp

	c.setState(StateAuthenticating)
	ac := auth.NewClient(tr, localCredential(), true)
	res, err := ac.Run(handshakeTimeout)
	if err != nil {
		tr.Close()
		disp.Close()
		return nil, err
	}
	c.fdPassingEnabled = res.UnixFDEnabled
	log.Debugf("conn: handshake complete, role=%v fdPassing=%v", addr.Role, res.UnixFDEnabled)

	disp.RegisterListener(c)

	if addr.Role != address.RoleBusClient {
		c.setState(StateConnected)
		c.feedHandshakeLeftover(ac.Leftover())
		return c, nil
	}

	c.setState(StateAwaitingUniqueName)
	if err := c.sendHelloForced(); err != nil {
		disp.UnregisterListener(tr.Fd())
		tr.Close()
		return nil, err
	}
	c.feedHandshakeLeftover(ac.Leftover())
	return c, nil
}

// feedHandshakeLeftover pushes bytes the auth handshake read past its
// final line into the message decoder: the peer's first binary message
// can ride the same kernel read as the handshake tail, and the
// Dispatcher will never report the fd readable for bytes already read.
func (c *Connection) feedHandshakeLeftover(b []byte) {
	if len(b) == 0 {
		return
	}
	c.decoder.Feed(b)
	c.drainDecoded()
}

// sendHelloForced assigns a serial, serializes the synthetic
// org.freedesktop.DBus.Hello call, and pushes it to the FRONT of the
// send queue so it reaches the wire before any application-enqueued
// message.
func (c *Connection) sendHelloForced() error {
	m := message.NewMethodCall(busPath, busInterface, helloMember, busDestination)
	m.Header.Serial = c.serials.Next()

	data, fds, err := m.Serialize()
	if err != nil {
		return fmt.Errorf("%w: serializing Hello: %v", buserr.ErrSendFailed, err)
	}

	c.replyMu.Lock()
	c.replies[m.Header.Serial] = &replyEntry{local: newPendingReply(c, m.Header.Serial, -1, c.completeHello)}
	c.replyMu.Unlock()

	c.sendMu.Lock()
	c.sendQueue = append([]queuedSend{{data: data, fds: fds}}, c.sendQueue...)
	c.sendMu.Unlock()

	c.flushSendQueue()
	return nil
}

// completeHello finishes the Hello round-trip: stores the unique name
// and transitions to Connected, or falls back to Unconnected on
// failure.
func (c *Connection) completeHello(pr *PendingReply) {
	if pr.State() != ReplySuccess {
		log.Errorf("conn: Hello failed: %v", pr.Err())
		c.setState(StateUnconnected)
		return
	}
	reply := pr.Message()
	name := ""
	if reply.Body != nil {
		r := reply.Body.NewReader()
		if s, ok := r.ReadString(); ok {
			name = s
		}
	}
	c.mu.Lock()
	c.uniqueName = name
	c.state = StateConnected
	c.mu.Unlock()
	log.Debugf("conn: Hello complete, uniqueName=%s", name)
	c.broadcastUniqueName(name)
}

func (c *Connection) broadcastUniqueName(name string) {
	c.secMu.Lock()
	defer c.secMu.Unlock()
	for _, se := range c.secondaries {
		se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventUniqueNameReceived, UniqueName: name})
	}
}

// --- dispatch.Listener ---

// Fd implements dispatch.Listener.
func (c *Connection) Fd() int { return c.transport.Fd() }

// Interest implements dispatch.Listener: always read-interested,
// write-interested only while the send queue is non-empty (level-
// triggered — the Dispatcher re-asks every Poll tick).
func (c *Connection) Interest() dispatch.Interest {
	c.sendMu.Lock()
	pending := len(c.sendQueue) > 0
	c.sendMu.Unlock()
	in := dispatch.InterestRead
	if pending {
		in |= dispatch.InterestWrite
	}
	return in
}

// OnReadable implements dispatch.Listener.
func (c *Connection) OnReadable() { c.drainReadable() }

// OnWritable implements dispatch.Listener.
func (c *Connection) OnWritable() { c.flushSendQueue() }

func (c *Connection) drainReadable() {
	buf := make([]byte, 64*1024)
	for {
		n, fds, err := c.transport.Read(buf)
		if err == transport.ErrWouldBlock {
			return
		}
		if err != nil {
			c.handleTransportError(err)
			return
		}
		c.pendingFds = append(c.pendingFds, fds...)
		c.decoder.Feed(buf[:n])
		c.drainDecoded()
		if n < len(buf) {
			return
		}
	}
}

func (c *Connection) drainDecoded() {
	for {
		m, st, err := c.decoder.Decode()
		if st == wire.NeedMoreData {
			return
		}
		if err != nil {
			c.handleTransportError(err)
			return
		}
		if want := m.NumFds(); want > 0 && len(c.pendingFds) >= want {
			m.AttachFds(c.pendingFds[:want])
			c.pendingFds = c.pendingFds[want:]
		}
		c.handleInbound(m)
	}
}

func (c *Connection) flushSendQueue() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for len(c.sendQueue) > 0 {
		head := c.sendQueue[0]
		_, err := c.transport.Write(head.data, head.fds)
		if err == transport.ErrWouldBlock {
			return
		}
		if err != nil {
			go c.handleTransportError(err)
			return
		}
		c.sendQueue = c.sendQueue[1:]
		c.stats.messagesSent.Add(1)
		log.Debug(color.GreenString("[fd %d] -> wrote %d bytes", c.transport.Fd(), len(head.data)))
	}
}

// handleTransportError transitions to Unconnected and fails every
// locally-owned PendingReply with LocalDisconnect. For a main
// Connection, every secondary is also torn down.
func (c *Connection) handleTransportError(err error) {
	c.mu.Lock()
	if c.state == StateUnconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateUnconnected
	c.mu.Unlock()

	c.stats.disconnects.Add(1)
	log.Warningf("conn: transport error, disconnecting: %v", err)
	c.disp.UnregisterListener(c.transport.Fd())
	c.transport.Close()
	c.failAllLocal()

	if c.topology() == topoMain {
		c.disconnectSecondaries()
	}
}

func (c *Connection) failAllLocal() {
	c.replyMu.Lock()
	entries := c.replies
	c.replies = make(map[uint32]*replyEntry)
	c.replyMu.Unlock()
	isMain := c.topology() == topoMain
	for serial, e := range entries {
		if e.local != nil {
			e.local.completeLocalDisconnect()
			continue
		}
		if !isMain {
			continue
		}
		// Forwarding entry: tell the owning secondary which call just
		// died. Its MainDisconnect teardown would catch it anyway, but
		// the per-serial failure arrives first and carries the serial.
		c.secMu.Lock()
		se, ok := c.secondaries[e.forwardTo]
		c.secMu.Unlock()
		if ok {
			se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventPendingReplyFailure, Serial: serial, Err: buserr.ErrLocalDisconnect})
		}
	}
}

// --- dispatch.Receiver ---

// HandleEvent implements dispatch.Receiver: processes Events queued
// from another goroutine, draining inline with the normal Poll cycle.
func (c *Connection) HandleEvent(e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventSendMessage:
		c.mainHandleSend(e, false)
	case dispatch.EventSendMessageWithPendingReply:
		c.mainHandleSend(e, true)
	case dispatch.EventPendingReplyCancel:
		c.replyMu.Lock()
		delete(c.replies, e.Serial)
		c.replyMu.Unlock()
	case dispatch.EventPendingReplySuccess:
		c.secondaryHandleReplyDelivered(e)
	case dispatch.EventPendingReplyFailure:
		c.secondaryHandleReplyFailed(e)
	case dispatch.EventSpontaneousMessageReceived:
		c.deliverSpontaneous(e.Message)
	case dispatch.EventSecondaryConnect:
		c.mainHandleSecondaryConnect(e)
	case dispatch.EventSecondaryDisconnect:
		c.mainHandleSecondaryDisconnect(e)
	case dispatch.EventMainDisconnect:
		c.secondaryHandleMainDisconnect()
	case dispatch.EventUniqueNameReceived:
		c.mu.Lock()
		c.uniqueName = e.UniqueName
		c.state = StateConnected
		c.mu.Unlock()
	}
}

// mainHandleSend runs on main's goroutine: a secondary asked main to
// put an already-serialized message on the wire, optionally
// registering a forwarding reply entry keyed by its serial.
func (c *Connection) mainHandleSend(e dispatch.Event, wantsReply bool) {
	if wantsReply {
		id, _ := e.Forwarder.(uint64)
		c.replyMu.Lock()
		c.replies[e.Serial] = &replyEntry{forwardTo: id}
		c.replyMu.Unlock()
	}
	c.sendMu.Lock()
	c.sendQueue = append(c.sendQueue, queuedSend{data: e.Payload, fds: e.PayloadFds})
	c.sendMu.Unlock()
	c.flushSendQueue()
}

func (c *Connection) mainHandleSecondaryConnect(e dispatch.Event) {
	se, ok := e.Forwarder.(*secondaryEntry)
	if !ok {
		return
	}
	c.secMu.Lock()
	c.secondaries[se.id] = se
	c.secMu.Unlock()

	c.mu.Lock()
	connected := c.state == StateConnected
	name := c.uniqueName
	c.mu.Unlock()
	if connected {
		se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventUniqueNameReceived, UniqueName: name})
	}
}

func (c *Connection) mainHandleSecondaryDisconnect(e dispatch.Event) {
	id, _ := e.Forwarder.(uint64)
	c.secMu.Lock()
	delete(c.secondaries, id)
	c.secMu.Unlock()
	c.replyMu.Lock()
	for serial, entry := range c.replies {
		if entry.local == nil && entry.forwardTo == id {
			delete(c.replies, serial)
		}
	}
	c.replyMu.Unlock()
}

// secondaryHandleReplyDelivered runs on a secondary's goroutine: main
// forwarded a completed reply (success or error) for one of this
// secondary's outstanding calls.
func (c *Connection) secondaryHandleReplyDelivered(e dispatch.Event) {
	c.replyMu.Lock()
	entry, ok := c.replies[e.Serial]
	if ok {
		delete(c.replies, e.Serial)
	}
	c.replyMu.Unlock()
	if !ok || entry.local == nil {
		return
	}
	if e.Message != nil && e.Message.Header.Type == message.TypeError {
		entry.local.completeRemoteError(e.Message)
		return
	}
	entry.local.completeValue(e.Message)
}

// secondaryHandleReplyFailed runs on a secondary's goroutine: main
// could not complete one of this secondary's outstanding calls.
func (c *Connection) secondaryHandleReplyFailed(e dispatch.Event) {
	c.replyMu.Lock()
	entry, ok := c.replies[e.Serial]
	if ok {
		delete(c.replies, e.Serial)
	}
	c.replyMu.Unlock()
	if !ok || entry.local == nil {
		return
	}
	entry.local.complete(ReplyLocalDisconnect, nil, e.Err)
}

// secondaryHandleMainDisconnect runs on a secondary's goroutine after
// main has torn down: every outstanding local reply fails with
// LocalDisconnect and the link to main is already Broken by the time
// this event is delivered (main breaks it before posting, per
// Connection.Close).
func (c *Connection) secondaryHandleMainDisconnect() {
	c.setState(StateUnconnected)
	c.failAllLocal()
}

func (c *Connection) deliverSpontaneous(m *message.Message) {
	c.receiverMu.Lock()
	r := c.receiver
	if r == nil {
		c.backlog = append(c.backlog, m)
	}
	c.receiverMu.Unlock()
	if r != nil {
		r.HandleMessage(m)
	}

	if c.topology() == topoMain {
		c.secMu.Lock()
		defer c.secMu.Unlock()
		for _, se := range c.secondaries {
			se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventSpontaneousMessageReceived, Message: m})
		}
	}
}

// handleInbound runs on the I/O-owning goroutine (standalone or
// main): a Message finished staged-receive. Match it against the
// reply table by ReplySerial; anything unmatched is spontaneous.
func (c *Connection) handleInbound(m *message.Message) {
	c.stats.messagesReceived.Add(1)
	log.Debug(color.BlueString("[fd %d] <- %s %s.%s", c.transport.Fd(), m.Header.Type, m.Interface, m.Member))
	if !m.HasReply {
		c.deliverSpontaneous(m)
		return
	}

	c.replyMu.Lock()
	entry, ok := c.replies[m.ReplySerial]
	if ok {
		delete(c.replies, m.ReplySerial)
	}
	c.replyMu.Unlock()

	if !ok {
		// No matching entry: arrived after timeout, or the serial was
		// never ours. Treat as spontaneous.
		c.deliverSpontaneous(m)
		return
	}

	if entry.local != nil {
		if m.Header.Type == message.TypeError {
			entry.local.completeRemoteError(m)
		} else {
			entry.local.completeValue(m)
		}
		return
	}

	c.secMu.Lock()
	se, ok := c.secondaries[entry.forwardTo]
	c.secMu.Unlock()
	if !ok {
		return
	}
	se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventPendingReplySuccess, Serial: m.ReplySerial, Message: m})
}

// unregisterPendingReply removes serial from the reply table, or
// forwards a cancellation to main if this Connection is a secondary.
func (c *Connection) unregisterPendingReply(serial uint32) {
	switch c.topology() {
	case topoSecondary:
		c.replyMu.Lock()
		delete(c.replies, serial)
		c.replyMu.Unlock()
		locker := Lock(c.mainLink)
		defer locker.Close()
		if locker.HasLock() {
			c.mainDisp.PostEvent(dispatch.Event{Kind: dispatch.EventPendingReplyCancel, Serial: serial})
		}
	default:
		c.replyMu.Lock()
		delete(c.replies, serial)
		c.replyMu.Unlock()
	}
}

// Send serializes m, assigns it a serial, and enqueues it for
// delivery. timeoutMs < 0 means no reply is expected and nil is
// returned; timeoutMs >= 0 arms a timeout and returns a PendingReply
// the caller owns. A message that fails to serialize
// still returns a non-nil PendingReply (when a reply was requested)
// whose completion fires asynchronously with the error, so callers
// never need a separate synchronous error path.
func (c *Connection) Send(m *message.Message, timeoutMs int) (*PendingReply, error) {
	wantsReply := timeoutMs >= 0 && !m.NoReplyExpected()

	serial := c.allocSerial()
	m.Header.Serial = serial

	var (
		data         []byte
		fds          []*os.File
		serializeErr error
	)
	if len(m.Fds) > 0 && !c.fdPassingEnabled {
		serializeErr = fmt.Errorf("fd passing was not negotiated on this connection")
	} else {
		data, fds, serializeErr = m.Serialize()
	}

	switch c.topology() {
	case topoSecondary:
		return c.sendAsSecondary(serial, data, fds, serializeErr, wantsReply, timeoutMs)
	default:
		return c.sendAsMainOrStandalone(serial, data, fds, serializeErr, wantsReply, timeoutMs)
	}
}

func (c *Connection) allocSerial() uint32 {
	return c.serials.Next()
}

func (c *Connection) sendAsMainOrStandalone(serial uint32, data []byte, fds []*os.File, serializeErr error, wantsReply bool, timeoutMs int) (*PendingReply, error) {
	if serializeErr != nil {
		if !wantsReply {
			return nil, fmt.Errorf("%w: %v", buserr.ErrSendFailed, serializeErr)
		}
		return newFailedPendingReply(c, serial, ReplyLocalDisconnect, fmt.Errorf("%w: %v", buserr.ErrSendFailed, serializeErr)), nil
	}

	var pr *PendingReply
	if wantsReply {
		pr = newPendingReply(c, serial, timeoutMs, nil)
		c.replyMu.Lock()
		c.replies[serial] = &replyEntry{local: pr}
		c.replyMu.Unlock()
	}

	c.sendMu.Lock()
	c.sendQueue = append(c.sendQueue, queuedSend{data: data, fds: fds})
	c.sendMu.Unlock()
	c.flushSendQueue()
	return pr, nil
}

func (c *Connection) sendAsSecondary(serial uint32, data []byte, fds []*os.File, serializeErr error, wantsReply bool, timeoutMs int) (*PendingReply, error) {
	if serializeErr != nil {
		if !wantsReply {
			return nil, fmt.Errorf("%w: %v", buserr.ErrSendFailed, serializeErr)
		}
		return newFailedPendingReply(c, serial, ReplyLocalDisconnect, fmt.Errorf("%w: %v", buserr.ErrSendFailed, serializeErr)), nil
	}

	ok, broken := c.mainLink.TryLock()
	if broken {
		if !wantsReply {
			return nil, buserr.ErrLocalDisconnect
		}
		return newFailedPendingReply(c, serial, ReplyLocalDisconnect, buserr.ErrLocalDisconnect), nil
	}
	if !ok {
		// Transient contention: the send path fails fast
		// rather than spinning.
		return nil, buserr.ErrLocalDisconnect
	}
	defer c.mainLink.Unlock()

	var pr *PendingReply
	kind := dispatch.EventSendMessage
	var forwarder any
	if wantsReply {
		pr = newPendingReply(c, serial, timeoutMs, nil)
		c.replyMu.Lock()
		c.replies[serial] = &replyEntry{local: pr}
		c.replyMu.Unlock()
		kind = dispatch.EventSendMessageWithPendingReply
		forwarder = c.secondaryID
	}
	c.mainDisp.PostEvent(dispatch.Event{Kind: kind, Serial: serial, Payload: data, PayloadFds: fds, Forwarder: forwarder})
	return pr, nil
}

