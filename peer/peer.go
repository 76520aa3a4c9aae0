// SPDX-License-Identifier: AGPL-3.0-only

// Package peer implements the per-connection state machine that sits
// between a raw transport.StreamFactory stream and the mesh's routing
// table, directly adapted from the original BaseConnection /
// p2p_connection class (spec.md §4.2).
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/katzenmesh/meshsocket/wire"
)

// Addr is a dialable peer address, the Go analogue of the source's
// (host, port) tuple carried in handshake and peers payloads.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Connection wraps one transport stream: its handshake state, the
// peer's advertised compression methods, and the last broadcast or
// whisper payload sent (kept for Resend renegotiation).
type Connection struct {
	mu sync.Mutex

	Conn     net.Conn
	Outgoing bool

	ID    string
	Addr  Addr
	State State

	Compression  []wire.Flag
	LastActivity time.Time

	// active is true from the moment a frame's length header has been
	// read until its body finishes decoding — the mid-frame window
	// spec.md §3 requires before a silent connection can be reaped.
	// A connection that is simply idle between messages (active=false)
	// must never be considered stale, no matter how long LastActivity
	// has sat unchanged.
	active bool

	lastSent *wire.InternalMessage
}

// New wraps an established net.Conn. outgoing records which side
// initiated the dial, used to classify the peer into the mesh's
// outgoing/incoming id sets once it is routed.
func New(conn net.Conn, outgoing bool) *Connection {
	return &Connection{
		Conn:         conn,
		Outgoing:     outgoing,
		State:        Nascent,
		LastActivity: time.Now().UTC(),
	}
}

// ReadMessage blocks until a full framed InternalMessage arrives,
// decoding it against the peer's currently known compression methods.
// This replaces the source's byte-at-a-time collect_incoming_data /
// find_terminator / found_terminator trio with a single io.ReadFull
// of the length-prefixed frame, the idiomatic Go way to read a framed
// protocol off a net.Conn.
func (c *Connection) ReadMessage() (*wire.InternalMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])

	// The size header is consumed but the body hasn't arrived yet: this
	// is the mid-frame window spec.md §3 describes as "active", the
	// only state a reaper is allowed to act on.
	c.mu.Lock()
	c.active = true
	c.LastActivity = time.Now().UTC()
	c.mu.Unlock()

	frame := make([]byte, 4+bodyLen)
	copy(frame[:4], lenBuf[:])
	if _, err := io.ReadFull(c.Conn, frame[4:]); err != nil {
		return nil, err
	}

	c.mu.Lock()
	compression := c.Compression
	c.mu.Unlock()

	msg, err := wire.Decode(frame, compression)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.active = false
	c.LastActivity = time.Now().UTC()
	c.mu.Unlock()

	return msg, nil
}

// Send encodes msg using the peer's advertised compression methods and
// writes it to the stream. Broadcast and whisper payloads are
// remembered so a later Resend renegotiation can replay them.
func (c *Connection) Send(msg *wire.InternalMessage) error {
	c.mu.Lock()
	compression := c.Compression
	if msg.MsgType == wire.Whisper || msg.MsgType == wire.Broadcast {
		c.lastSent = msg
	}
	c.mu.Unlock()

	frame, err := wire.Encode(msg, compression)
	if err != nil {
		return err
	}
	_, err = c.Conn.Write(frame)
	return err
}

// LastSent returns the most recently sent whisper or broadcast
// message, or nil if none has been sent yet.
func (c *Connection) LastSent() *wire.InternalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

// SetCompression installs the peer's advertised compression methods,
// reporting whether they differ from what was previously known (the
// source's "respond" flag in handle_renegotiate).
func (c *Connection) SetCompression(methods []wire.Flag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sameFlags(c.Compression, methods) {
		return false
	}
	c.Compression = methods
	return true
}

func sameFlags(a, b []wire.Flag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetRouted marks the connection as handshook and routed under id.
func (c *Connection) SetRouted(id string, addr Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ID = id
	c.Addr = addr
	c.State = Routed
}

// Close marks the connection Closed and releases the underlying
// stream. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.State = Closed
	c.mu.Unlock()
	return c.Conn.Close()
}

// Stale reports whether the connection is stuck mid-frame: a size
// header has been read but its body has not completed within maxAge
// (spec.md §3, the source's kill_old_nodes check). A connection that
// is merely idle between messages is never stale, however long it has
// gone quiet — only a read that started and never finished justifies
// a forced Close.
func (c *Connection) Stale(maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && time.Since(c.LastActivity) > maxAge
}
