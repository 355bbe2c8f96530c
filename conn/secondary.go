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
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ipcbus/buslink/address"
	"github.com/ipcbus/buslink/auth"
	"github.com/ipcbus/buslink/dispatch"
	"github.com/ipcbus/buslink/message"
	"github.com/ipcbus/buslink/transport"
)

// NewSecondary builds a Connection that delegates all physical I/O to
// main across goroutines, registering it with its own freshly-created
// Dispatcher the same way Dial registers a standalone Connection with
// one — the caller fetches it via Connection.Dispatcher() and must
// pump its Poll loop from the goroutine that called NewSecondary.
// main must itself be a standalone or main Connection; calling
// NewSecondary against an existing secondary is rejected.
func NewSecondary(main *Connection) (*Connection, error) {
	if main.topology() == topoSecondary {
		return nil, fmt.Errorf("conn: cannot create a secondary of a secondary Connection")
	}

	mainLink, secLink := newCommLinkPair()

	main.secMu.Lock()
	main.nextSecID++
	id := main.nextSecID
	main.secMu.Unlock()
	main.mu.Lock()
	if main.topo == topoStandalone {
		main.topo = topoMain
	}
	main.mu.Unlock()

	sec := &Connection{
		topo:             topoSecondary,
		role:             main.role,
		serials:          main.serials,
		replies:          make(map[uint32]*replyEntry),
		mainLink:         secLink,
		mainDisp:         main.disp,
		secondaryID:      id,
		fdPassingEnabled: main.fdPassingEnabled,
	}

	secDisp, err := dispatch.New(sec)
	if err != nil {
		return nil, fmt.Errorf("conn: new secondary: %w", err)
	}
	sec.disp = secDisp

	main.mu.Lock()
	sec.mu.Lock()
	sec.state = main.state
	sec.uniqueName = main.uniqueName
	sec.mu.Unlock()
	main.mu.Unlock()

	main.disp.PostEvent(dispatch.Event{
		Kind:      dispatch.EventSecondaryConnect,
		Forwarder: &secondaryEntry{id: id, link: mainLink, disp: secDisp},
	})

	return sec, nil
}

// disconnectSecondaries runs on main's goroutine after its transport
// has failed: it breaks every secondary's link (so any send racing
// against shutdown fails fast rather than forwarding into the void)
// and notifies each one to fail its outstanding local replies.
func (c *Connection) disconnectSecondaries() {
	c.secMu.Lock()
	entries := c.secondaries
	c.secondaries = make(map[uint64]*secondaryEntry)
	c.secMu.Unlock()

	for _, se := range entries {
		se.link.Unlink()
		se.disp.PostEvent(dispatch.Event{Kind: dispatch.EventMainDisconnect})
	}
}

// Close tears down the Connection. For a standalone or main
// Connection this closes the transport (failing every pending reply
// with LocalDisconnect and notifying any secondaries); for a
// secondary it unlinks from main — using the fail-fast TryUnlink when
// possible and only falling back to the spinning Unlink if main has
// already taken the lock — and tells main to forget it.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		switch c.topology() {
		case topoSecondary:
			if !c.mainLink.TryUnlink() {
				c.mainLink.Unlink()
			}
			c.mainDisp.PostEvent(dispatch.Event{Kind: dispatch.EventSecondaryDisconnect, Forwarder: c.secondaryID})
			c.failAllLocal()
		default:
			c.mu.Lock()
			already := c.state == StateUnconnected
			c.state = StateUnconnected
			c.mu.Unlock()
			if !already {
				c.disp.UnregisterListener(c.transport.Fd())
				err = c.transport.Close()
				c.failAllLocal()
				if c.topology() == topoMain {
					c.disconnectSecondaries()
				}
			}
		}
		c.disp.Close()
	})
	return err
}

// Listener is the accept loop for the PeerServer role (the Role enum
// in the address package): it wraps a transport.Server, running the
// server side of the handshake synchronously for each accepted peer
// exactly as Dial runs the client side, and handing back a ready
// Connection.
type Listener struct {
	srv  *transport.Server
	guid string
}

// Listen starts a PeerServer on addr (KindUnixPath, KindAbstractUnix,
// or KindTCP).
func Listen(addr address.ConnectAddress, guid string) (*Listener, error) {
	var srv *transport.Server
	var err error
	switch addr.Kind {
	case address.KindUnixPath, address.KindRuntimeDir, address.KindTmpDir:
		srv, err = transport.ListenUnixPath(addr.Path)
	case address.KindAbstractUnix:
		srv, err = transport.ListenUnixAbstract(addr.Path)
	case address.KindTCP:
		srv, err = transport.ListenTCP(addr.Host, addr.Port)
	default:
		return nil, fmt.Errorf("conn: unsupported listen address kind %d", addr.Kind)
	}
	if err != nil {
		return nil, err
	}
	return &Listener{srv: srv, guid: guid}, nil
}

// Close stops accepting new peers.
func (l *Listener) Close() error { return l.srv.Close() }

// AcceptOne blocks (busy-polling, matching auth's own handshake style)
// until a peer connects or ctx is done, runs the server-side handshake,
// and returns a Connected Connection in the PeerServer role, registered
// with its own new Dispatcher.
func (l *Listener) AcceptOne(ctx context.Context, handshakeTimeout time.Duration) (*Connection, error) {
	var tr transport.Transport
	for {
		var err error
		tr, err = l.srv.Accept()
		if err == nil {
			break
		}
		if err != transport.ErrWouldBlock {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	as := auth.NewServer(tr, l.guid)
	res, err := as.Run(handshakeTimeout)
	if err != nil {
		tr.Close()
		return nil, err
	}

	c := &Connection{
		topo:             topoMain,
		role:             address.RolePeerServer,
		transport:        tr,
		decoder:          message.NewDecoder(),
		serials:          &serialAllocator{},
		replies:          make(map[uint32]*replyEntry),
		secondaries:      make(map[uint64]*secondaryEntry),
		fdPassingEnabled: res.UnixFDEnabled,
	}
	disp, err := dispatch.New(c)
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.disp = disp
	c.setState(StateConnected)
	disp.RegisterListener(c)
	c.feedHandshakeLeftover(as.Leftover())
	log.Debugf("conn: accepted peer server connection")
	return c, nil
}

// Shutdown tears down main and every secondary registered against it,
// waiting for each one's own goroutine-owned cleanup via an errgroup —
// grounded on ptp/sptp/server.go's use of errgroup.Group to fan out
// and join per-peer shutdown.
func (c *Connection) Shutdown(secondaryClosers ...func() error) error {
	var g errgroup.Group
	for _, fn := range secondaryClosers {
		fn := fn
		g.Go(fn)
	}
	closeErr := c.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	return closeErr
}
