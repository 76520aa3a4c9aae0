// SPDX-License-Identifier: AGPL-3.0-only

// Package mesh implements MeshSocket, the unstructured peer-to-peer
// socket abstraction (spec.md §4): a routing table keyed by node id, a
// flood-broadcast ("waterfall") primitive with duplicate suppression,
// and a request/response rendezvous for replying to senders the local
// node is not directly connected to. It is a direct adaptation of the
// original p2p_socket/p2p_connection/p2p_daemon trio, generalized onto
// this module's wire, peer, daemon, seenset, and rendezvous packages.
package mesh

import (
	"context"
	"crypto/sha512"
	"fmt"
	"net"
	"sync"
	"time"

	channels "gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/mr-tron/base58"

	"github.com/katzenmesh/meshsocket/daemon"
	"github.com/katzenmesh/meshsocket/internal/corelog"
	"github.com/katzenmesh/meshsocket/peer"
	"github.com/katzenmesh/meshsocket/protocol"
	"github.com/katzenmesh/meshsocket/rendezvous"
	"github.com/katzenmesh/meshsocket/seenset"
	"github.com/katzenmesh/meshsocket/transport"
	"github.com/katzenmesh/meshsocket/wire"
)

// MaxOutgoing bounds how many outgoing connections a peers gossip
// round may open, the source's `max_outgoing = 8`.
const MaxOutgoing = 8

// Metrics is the optional observability hook a MeshSocket reports
// into; internal/metrics.Collector implements it. A nil Metrics is
// valid and simply disables reporting.
type Metrics interface {
	SetPeerCount(n int)
	SetSeenSetSize(n int)
	IncWaterfallDedup()
	AddBytesSent(n int)
	AddBytesReceived(n int)
}

// PeerStore is the optional durable address book a MeshSocket
// remembers newly routed peers into; peerstore.Store implements it.
// A nil PeerStore is valid and simply disables persistence.
type PeerStore interface {
	Remember(id string, addr peer.Addr) error
}

// Handler is registered via RegisterHandler to process messages that
// carry no internal protocol meaning: whisper-tagged messages and any
// sub-tag the dispatcher does not handle itself (application flags are
// > wire.ReservedMax). It returns true once it has
// handled msg, short-circuiting the remaining handlers (spec.md §4.4
// "first handler that returns true wins").
type Handler func(msg *Message) bool

// Config configures a MeshSocket.
type Config struct {
	Addr      string
	Port      int
	OutAddr   *peer.Addr
	Protocol  protocol.Protocol
	Transport transport.StreamFactory
	Log       *logging.Logger
	Metrics   Metrics
	PeerStore PeerStore
}

// MeshSocket is a single node's view of the mesh: its identity, its
// routing table, and the queues and bookkeeping needed to send,
// receive, and flood messages across it.
type MeshSocket struct {
	id       string
	protocol protocol.Protocol
	outAddr  peer.Addr
	trans    transport.StreamFactory
	log      *logging.Logger
	metrics  Metrics
	peers    PeerStore

	daemon *daemon.Daemon

	mu           sync.Mutex
	routingTable map[string]*peer.Connection
	awaitingIDs  map[*peer.Connection]struct{}
	outgoingIDs  map[string]struct{}
	incomingIDs  map[string]struct{}

	seen     *seenset.Set
	requests *rendezvous.Table

	handlersMu sync.Mutex
	handlers   []Handler

	queue *channels.InfiniteChannel
}

// New builds a MeshSocket bound to no socket yet; call Start to bind
// and begin accepting connections.
func New(cfg Config) (*MeshSocket, error) {
	if cfg.Transport == nil {
		cfg.Transport = transport.NewPlaintext()
	}
	if cfg.Log == nil {
		cfg.Log = corelog.Default.GetLogger("mesh")
	}
	prot := cfg.Protocol
	if prot == (protocol.Protocol{}) {
		prot = protocol.Default
	}

	outAddr := peer.Addr{Host: cfg.Addr, Port: cfg.Port}
	if cfg.OutAddr != nil {
		outAddr = *cfg.OutAddr
	}

	salt, err := protocol.NewProcessSalt()
	if err != nil {
		return nil, fmt.Errorf("mesh: generating process salt: %w", err)
	}
	nodeID := protocol.NodeID(outAddr.String(), prot.ID(), salt)

	s := &MeshSocket{
		id:           nodeID,
		protocol:     prot,
		outAddr:      outAddr,
		trans:        cfg.Transport,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		peers:        cfg.PeerStore,
		routingTable: make(map[string]*peer.Connection),
		awaitingIDs:  make(map[*peer.Connection]struct{}),
		outgoingIDs:  make(map[string]struct{}),
		incomingIDs:  make(map[string]struct{}),
		seen:         seenset.Default(),
		requests:     rendezvous.New(),
		queue:        channels.NewInfiniteChannel(),
	}

	s.daemon = daemon.New(daemon.Config{
		Transport:    cfg.Transport,
		Addr:         cfg.Addr,
		Port:         cfg.Port,
		Log:          cfg.Log,
		OnAccept:     s.onAccept,
		OnMessage:    s.onMessage,
		OnDisconnect: s.onDisconnect,
	})
	return s, nil
}

// ID returns this node's base-58 node id.
func (s *MeshSocket) ID() string { return s.id }

// Start binds the listener and begins accepting connections.
func (s *MeshSocket) Start() error {
	return s.daemon.Start()
}

// Addr returns the bound listener's address; only valid after Start.
func (s *MeshSocket) Addr() net.Addr {
	return s.daemon.Addr()
}

// Close halts the daemon, closing every connection.
func (s *MeshSocket) Close() error {
	s.daemon.Halt()
	s.queue.Close()
	return nil
}

// RegisterHandler appends h to the list of application handlers
// consulted for messages the internal dispatch does not itself act on.
func (s *MeshSocket) RegisterHandler(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *MeshSocket) onAccept(conn *peer.Connection) {
	s.mu.Lock()
	s.awaitingIDs[conn] = struct{}{}
	s.mu.Unlock()

	hello := s.handshakeMessage()
	if err := conn.Send(hello); err != nil {
		s.log.Warningf("sending handshake to accepted peer: %v", err)
	}
}

func (s *MeshSocket) onDisconnect(conn *peer.Connection) {
	s.mu.Lock()
	delete(s.awaitingIDs, conn)
	if conn.ID != "" {
		if existing, ok := s.routingTable[conn.ID]; ok && existing == conn {
			delete(s.routingTable, conn.ID)
		}
		delete(s.outgoingIDs, conn.ID)
		delete(s.incomingIDs, conn.ID)
	}
	count := len(s.routingTable)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetPeerCount(count)
	}
	s.log.Debugf("connection to %s closed", connLabel(conn))
}

func connLabel(conn *peer.Connection) string {
	if conn.ID != "" {
		return conn.ID
	}
	return conn.Addr.String()
}

// Connect dials addr:port, optionally expecting the remote to carry
// id (the source's p2p_socket.connect). Refused as a no-op, matching
// the source's AlreadyConnected short-circuit, if addr:port resolves
// to this node's own outward binding or id is already routed
// (spec.md §4.4, §7).
func (s *MeshSocket) Connect(ctx context.Context, addr string, port int, id string) error {
	if s.isSelfAddr(addr, port) {
		return nil
	}
	if id != "" {
		s.mu.Lock()
		_, already := s.routingTable[id]
		s.mu.Unlock()
		if already {
			return nil
		}
	}

	conn, err := s.trans.Dial(ctx, addr, port)
	if err != nil {
		return fmt.Errorf("mesh: dial %s:%d: %w", addr, port, err)
	}

	handler := peer.New(conn, true)
	handler.Addr = peer.Addr{Host: addr, Port: port}
	if id != "" {
		handler.ID = id
	}

	s.mu.Lock()
	if id == "" {
		s.awaitingIDs[handler] = struct{}{}
	} else {
		s.routingTable[id] = handler
	}
	s.mu.Unlock()

	s.daemon.Track(handler)

	if err := handler.Send(s.handshakeMessage()); err != nil {
		return fmt.Errorf("mesh: sending handshake: %w", err)
	}
	return nil
}

// isSelfAddr reports whether addr:port resolves to the same address as
// this node's outward binding, the source's
// `socket.getaddrinfo(addr, port)[0] == socket.getaddrinfo(*self.out_addr)[0]`
// self-dial guard. An address that fails to resolve is never treated
// as self.
func (s *MeshSocket) isSelfAddr(addr string, port int) bool {
	target, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return false
	}
	self, err := net.ResolveTCPAddr("tcp", s.outAddr.String())
	if err != nil {
		return false
	}
	return target.IP.Equal(self.IP) && target.Port == self.Port
}

func (s *MeshSocket) handshakeMessage() *wire.InternalMessage {
	addrJSON, _ := wire.EncodeJSON([]interface{}{s.outAddr.Host, s.outAddr.Port})
	compJSON, _ := wire.EncodeJSON(flagNames(wire.CompressionFlags))
	return wire.New(wire.Whisper, []byte(s.id), [][]byte{
		{byte(wire.Handshake)},
		[]byte(s.protocol.ID()),
		addrJSON,
		compJSON,
	}, wire.CompressionFlags)
}

func flagNames(flags []wire.Flag) []string {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = f.String()
	}
	return names
}

// Send broadcasts a flood message (spec.md §4.4's "broadcast" send
// path) carrying subtype and payload to every peer, deduplicated by
// the waterfall seen-set.
func (s *MeshSocket) Send(subtype wire.Flag, payload ...[]byte) error {
	fullPayload := append([][]byte{{byte(subtype)}}, payload...)
	msg := wire.New(wire.Broadcast, []byte(s.id), fullPayload, wire.CompressionFlags)
	s.seen.Add(msg.ID(), msgTime(msg))
	s.broadcastAll(msg)
	return nil
}

// msgTime converts a message's embedded UTC-seconds Timestamp into a
// time.Time, the value the seen-set ages entries by (spec.md §4.4 step
// 2: "Insert (msg.id, msg.time)").
func msgTime(msg *wire.InternalMessage) time.Time {
	return time.Unix(msg.Timestamp, 0).UTC()
}

// broadcastAll sends msg to every currently routed peer, the source's
// p2p_socket.send: a single hop, not a flood.
func (s *MeshSocket) broadcastAll(msg *wire.InternalMessage) {
	s.mu.Lock()
	peers := make([]*peer.Connection, 0, len(s.routingTable))
	for _, conn := range s.routingTable {
		peers = append(peers, conn)
	}
	s.mu.Unlock()

	for _, conn := range peers {
		if err := conn.Send(msg); err != nil {
			s.log.Debugf("send to %s failed: %v", connLabel(conn), err)
		} else if s.metrics != nil {
			frame, _ := wire.Encode(msg, conn.Compression)
			s.metrics.AddBytesSent(len(frame))
		}
	}
}

// waterfall rebroadcasts msg to every peer exactly once, returning
// true if this was the first time msg's id was seen (spec.md §4.4,
// the source's p2p_socket.waterfall).
func (s *MeshSocket) waterfall(msg *wire.InternalMessage) bool {
	if !s.seen.Add(msg.ID(), msgTime(msg)) {
		if s.metrics != nil {
			s.metrics.IncWaterfallDedup()
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.SetSeenSetSize(s.seen.Len())
	}

	rebroadcast := wire.NewAt(wire.Broadcast, msg.SenderID, msg.Payload, wire.CompressionFlags, msg.Timestamp)
	s.broadcastAll(rebroadcast)
	return true
}

// Recv blocks until a queued user message is available or ctx is
// done.
func (s *MeshSocket) Recv(ctx context.Context) (*Message, error) {
	select {
	case v, ok := <-s.queue.Out():
		if !ok {
			return nil, fmt.Errorf("mesh: socket closed")
		}
		return v.(*Message), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MeshSocket) enqueue(msg *Message) {
	s.queue.In() <- msg
}

// requestID derives a fresh base-58 request id the way the source's
// Message.reply does: sha384(sender || base58(now_utc)).
func requestID(sender string) string {
	h := sha512.New384()
	h.Write([]byte(sender))
	h.Write([]byte(wire.EncodeTime58(time.Now().UTC().Unix())))
	return base58.Encode(h.Sum(nil))
}
