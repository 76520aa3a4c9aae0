// SPDX-License-Identifier: AGPL-3.0-only

// Package daemon implements the accept/read/reap supervisory loop that
// keeps a transport.StreamFactory listener fed into per-connection
// readers, directly adapted from the original p2p_daemon class
// (mainloop, handle_accept, disconnect, kill_old_nodes). Where the
// source polled every connection's socket on a 0.1s timer from one
// thread, Daemon instead gives each connection its own blocking reader
// goroutine, the idiom the teacher's client2/connection.go uses for
// its own "peer reader" ("Start the peer reader" in onWireConn).
package daemon

import (
	"net"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenmesh/meshsocket/internal/worker"
	"github.com/katzenmesh/meshsocket/peer"
	"github.com/katzenmesh/meshsocket/transport"
	"github.com/katzenmesh/meshsocket/wire"
)

// StaleAfter is how long a connection may go without completing a
// message before the reaper closes it, matching the source's
// kill_old_nodes 60-second cutoff.
const StaleAfter = 60 * time.Second

// Config wires the Daemon to its owning mesh without either package
// importing the other: the mesh supplies callbacks instead of the
// Daemon depending on mesh's types.
type Config struct {
	Transport transport.StreamFactory
	Addr      string
	Port      int
	Log       *logging.Logger

	// OnAccept is invoked for every inbound connection the listener
	// accepts, before its reader starts. Connections registered through
	// Track are not passed to it.
	OnAccept func(conn *peer.Connection)
	// OnMessage is invoked from the connection's reader goroutine for
	// every successfully decoded message.
	OnMessage func(conn *peer.Connection, msg *wire.InternalMessage)
	// OnDisconnect is invoked once a connection's reader exits, for any
	// reason (EOF, decode failure, reap).
	OnDisconnect func(conn *peer.Connection)

	StaleAfter time.Duration
}

// Daemon owns the listening socket and the reader goroutine for every
// tracked connection.
type Daemon struct {
	worker.Worker

	cfg      Config
	listener net.Listener

	mu    sync.Mutex
	conns map[*peer.Connection]struct{}
}

// New constructs a Daemon. Call Start to bind and begin accepting.
func New(cfg Config) *Daemon {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = StaleAfter
	}
	return &Daemon{
		cfg:   cfg,
		conns: make(map[*peer.Connection]struct{}),
	}
}

// Start binds the listener and launches the accept and reaper
// goroutines.
func (d *Daemon) Start() error {
	ln, err := d.cfg.Transport.Listen(d.cfg.Addr, d.cfg.Port)
	if err != nil {
		return err
	}
	d.listener = ln
	d.Go(d.acceptLoop)
	d.Go(d.reapLoop)
	return nil
}

// Addr returns the bound listener's address.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// Track registers a connection the mesh established itself (an
// outgoing Connect), starting its reader goroutine the same way an
// accepted connection's is started.
func (d *Daemon) Track(conn *peer.Connection) {
	d.trackAndRead(conn)
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.HaltCh():
				return
			default:
				if d.cfg.Log != nil {
					d.cfg.Log.Warningf("accept failed: %v", err)
				}
				return
			}
		}
		handler := peer.New(conn, false)
		if d.cfg.OnAccept != nil {
			d.cfg.OnAccept(handler)
		}
		d.trackAndRead(handler)
	}
}

func (d *Daemon) trackAndRead(conn *peer.Connection) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	d.Go(func() { d.readLoop(conn) })
}

func (d *Daemon) readLoop(conn *peer.Connection) {
	defer d.disconnect(conn)
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if d.cfg.Log != nil {
				d.cfg.Log.Debugf("connection closed: %v", err)
			}
			return
		}
		if d.cfg.OnMessage != nil {
			d.cfg.OnMessage(conn, msg)
		}
	}
}

func (d *Daemon) reapLoop() {
	ticker := time.NewTicker(d.cfg.StaleAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-ticker.C:
			d.reapStale()
		}
	}
}

func (d *Daemon) reapStale() {
	d.mu.Lock()
	var stale []*peer.Connection
	for conn := range d.conns {
		if conn.Stale(d.cfg.StaleAfter) {
			stale = append(stale, conn)
		}
	}
	d.mu.Unlock()

	for _, conn := range stale {
		conn.Close()
	}
}

func (d *Daemon) disconnect(conn *peer.Connection) {
	d.mu.Lock()
	_, tracked := d.conns[conn]
	delete(d.conns, conn)
	d.mu.Unlock()

	if !tracked {
		return
	}
	conn.Close()
	if d.cfg.OnDisconnect != nil {
		d.cfg.OnDisconnect(conn)
	}
}

// Halt stops accepting, closes every tracked connection, and waits for
// every reader goroutine to exit.
func (d *Daemon) Halt() {
	if d.listener != nil {
		d.listener.Close()
	}
	d.mu.Lock()
	for conn := range d.conns {
		conn.Close()
	}
	d.mu.Unlock()
	d.Worker.Halt()
}
