// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"context"
	"time"

	"github.com/katzenmesh/meshsocket/peer"
	"github.com/katzenmesh/meshsocket/rendezvous"
	"github.com/katzenmesh/meshsocket/wire"
)

// ConnectTimeout bounds a Connect triggered internally from a peers
// gossip round or a request/response rendezvous, since neither has a
// caller-supplied context to bound on.
const ConnectTimeout = 10 * time.Second

var flagsByName = func() map[string]wire.Flag {
	m := make(map[string]wire.Flag, len(wire.CompressionFlags))
	for _, f := range wire.CompressionFlags {
		m[f.String()] = f
	}
	return m
}()

func parseFlagNames(names []string) []wire.Flag {
	flags := make([]wire.Flag, 0, len(names))
	for _, n := range names {
		if f, ok := flagsByName[n]; ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// onMessage is the Daemon's OnMessage callback: it dispatches a
// decoded InternalMessage to the internal protocol handler for its
// sub-tag (msg.Payload[0]), or to the registered application handlers
// and Recv queue (spec.md §4.4, the source's p2p_socket.handle_request).
func (s *MeshSocket) onMessage(conn *peer.Connection, msg *wire.InternalMessage) {
	if s.metrics != nil {
		if frame, err := wire.Encode(msg, conn.Compression); err == nil {
			s.metrics.AddBytesReceived(len(frame))
		}
	}

	if len(msg.Payload) == 0 || len(msg.Payload[0]) != 1 {
		s.log.Debugf("dropping message with malformed sub-tag from %s", connLabel(conn))
		return
	}
	sub := wire.Flag(msg.Payload[0][0])
	fields := msg.Payload[1:]

	switch sub {
	case wire.Handshake:
		s.handleHandshake(conn, msg, fields)
	case wire.Peers:
		s.handlePeers(fields)
	case wire.Whisper:
		s.dispatch(msg, fields)
	case wire.Request:
		s.handleRequest(conn, fields)
	case wire.Response:
		s.handleResponse(fields)
	case wire.Renegotiate:
		s.handleRenegotiate(conn, fields)
	default:
		if msg.MsgType == wire.Broadcast {
			if s.waterfall(msg) {
				s.dispatch(msg, fields)
			}
			return
		}
		s.dispatch(msg, fields)
	}
}

// dispatch offers msg to registered application handlers in
// registration order; if none claims it, it is queued for Recv.
func (s *MeshSocket) dispatch(msg *wire.InternalMessage, fields [][]byte) {
	out := &Message{
		Sender:  string(msg.SenderID),
		Time:    msg.Timestamp,
		Packets: fields,
		socket:  s,
	}

	s.handlersMu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.handlersMu.Unlock()

	for _, h := range handlers {
		if h(out) {
			return
		}
	}
	s.enqueue(out)
}

func (s *MeshSocket) handleHandshake(conn *peer.Connection, msg *wire.InternalMessage, fields [][]byte) {
	if len(fields) < 3 {
		s.log.Warningf("malformed handshake from %s", connLabel(conn))
		s.dropAwaiting(conn)
		return
	}
	protocolID, addrJSON, compJSON := string(fields[0]), fields[1], fields[2]
	if protocolID != s.protocol.ID() {
		s.log.Noticef("rejecting handshake with mismatched protocol id from %s", connLabel(conn))
		s.dropAwaiting(conn)
		return
	}

	var addr []interface{}
	if err := wire.DecodeJSON(addrJSON, &addr); err != nil || len(addr) != 2 {
		s.log.Warningf("malformed handshake address from %s: %v", connLabel(conn), err)
		s.dropAwaiting(conn)
		return
	}
	host, _ := addr[0].(string)
	port, _ := addr[1].(float64)

	var compNames []string
	if err := wire.DecodeJSON(compJSON, &compNames); err != nil {
		s.log.Warningf("malformed handshake compression list from %s: %v", connLabel(conn), err)
	}
	conn.SetCompression(parseFlagNames(compNames))

	id := string(msg.SenderID)
	conn.SetRouted(id, peer.Addr{Host: host, Port: int(port)})

	s.mu.Lock()
	delete(s.awaitingIDs, conn)
	s.routingTable[id] = conn
	if conn.Outgoing {
		s.outgoingIDs[id] = struct{}{}
	} else {
		s.incomingIDs[id] = struct{}{}
	}
	peersPayload := s.peersSnapshotLocked()
	count := len(s.routingTable)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetPeerCount(count)
	}
	if s.peers != nil {
		if err := s.peers.Remember(id, peer.Addr{Host: host, Port: int(port)}); err != nil {
			s.log.Debugf("remembering peer %s: %v", id, err)
		}
	}

	peersJSON, err := wire.EncodeJSON(peersPayload)
	if err != nil {
		s.log.Warningf("encoding peers payload: %v", err)
		return
	}
	reply := wire.New(wire.Whisper, []byte(s.id), [][]byte{
		{byte(wire.Peers)},
		peersJSON,
	}, wire.CompressionFlags)
	if err := conn.Send(reply); err != nil {
		s.log.Debugf("sending peers to %s: %v", id, err)
	}
}

func (s *MeshSocket) dropAwaiting(conn *peer.Connection) {
	s.mu.Lock()
	delete(s.awaitingIDs, conn)
	s.mu.Unlock()
	conn.Close()
}

// peersSnapshotLocked must be called with s.mu held. It returns a list
// of [id, [host, port]] pairs, the literal shape of the source's
// `[(key, routing_table[key].addr) for key in routing_table]`.
func (s *MeshSocket) peersSnapshotLocked() []interface{} {
	out := make([]interface{}, 0, len(s.routingTable))
	for id, conn := range s.routingTable {
		out = append(out, []interface{}{id, []interface{}{conn.Addr.Host, conn.Addr.Port}})
	}
	return out
}

func (s *MeshSocket) handlePeers(fields [][]byte) {
	if len(fields) < 1 {
		return
	}
	var peers []interface{}
	if err := wire.DecodeJSON(fields[0], &peers); err != nil {
		s.log.Debugf("malformed peers payload: %v", err)
		return
	}

	for _, raw := range peers {
		entry, ok := raw.([]interface{})
		if !ok || len(entry) != 2 {
			continue
		}
		id, ok := entry[0].(string)
		if !ok || id == s.id {
			continue
		}
		addrPair, ok := entry[1].([]interface{})
		if !ok || len(addrPair) != 2 {
			continue
		}

		host, _ := addrPair[0].(string)
		port, _ := addrPair[1].(float64)
		if host == "" || s.isSelfAddr(host, int(port)) {
			continue
		}

		// Reserve the outgoing slot synchronously, in the same critical
		// section that reads len(outgoingIDs): the goroutine below only
		// completes a connection already counted against MaxOutgoing, so
		// a single peers payload (or several concurrent ones) can never
		// spawn more connects than slots actually available. Checking
		// the count and dispatching the connect as two separate steps
		// would let every candidate race past a stale snapshot before
		// handleHandshake ever populates outgoingIDs.
		s.mu.Lock()
		_, routed := s.routingTable[id]
		_, reserved := s.outgoingIDs[id]
		if routed || reserved || len(s.outgoingIDs) >= MaxOutgoing {
			s.mu.Unlock()
			continue
		}
		s.outgoingIDs[id] = struct{}{}
		s.mu.Unlock()

		target := peer.Addr{Host: host, Port: int(port)}
		go func(id string, target peer.Addr) {
			ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
			defer cancel()
			if err := s.Connect(ctx, target.Host, target.Port, id); err != nil {
				s.log.Debugf("gossip connect to %s failed: %v", target, err)
				s.mu.Lock()
				delete(s.outgoingIDs, id)
				s.mu.Unlock()
			}
		}(id, target)
	}
}

func (s *MeshSocket) handleRequest(conn *peer.Connection, fields [][]byte) {
	if len(fields) < 2 {
		return
	}
	reqID, target := string(fields[0]), string(fields[1])

	s.mu.Lock()
	targetConn, ok := s.routingTable[target]
	s.mu.Unlock()
	if !ok {
		return
	}

	addrPayload, err := rendezvous.ResponsePayload([]interface{}{targetConn.Addr.Host, targetConn.Addr.Port})
	if err != nil {
		return
	}
	resp := wire.New(wire.Whisper, []byte(s.id), append([][]byte{
		{byte(wire.Response)},
		[]byte(reqID),
	}, addrPayload...), wire.CompressionFlags)
	if err := conn.Send(resp); err != nil {
		s.log.Debugf("sending response for %s: %v", reqID, err)
	}
}

func (s *MeshSocket) handleResponse(fields [][]byte) {
	if len(fields) < 2 {
		return
	}
	reqID, addrJSON := string(fields[0]), fields[1]

	pending := s.requests.Take(reqID)
	if pending == nil {
		return
	}

	var addr []interface{}
	if err := wire.DecodeJSON(addrJSON, &addr); err != nil || len(addr) != 2 {
		s.log.Debugf("response %s carried no usable address", reqID)
		return
	}
	host, _ := addr[0].(string)
	port, _ := addr[1].(float64)
	if host == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()
	if err := s.Connect(ctx, host, int(port), pending.Recipient); err != nil {
		s.log.Debugf("connecting to resolved recipient %s: %v", pending.Recipient, err)
		return
	}

	s.mu.Lock()
	conn, ok := s.routingTable[pending.Recipient]
	s.mu.Unlock()
	if !ok {
		return
	}
	msg := wire.New(wire.Whisper, []byte(s.id), pending.Payload, wire.CompressionFlags)
	if err := conn.Send(msg); err != nil {
		s.log.Debugf("delivering rendezvous payload to %s: %v", pending.Recipient, err)
	}
}

func (s *MeshSocket) handleRenegotiate(conn *peer.Connection, fields [][]byte) {
	if len(fields) < 1 || len(fields[0]) != 1 {
		return
	}
	sub := wire.Flag(fields[0][0])
	switch sub {
	case wire.Compression:
		if len(fields) < 2 {
			return
		}
		var names []string
		if err := wire.DecodeJSON(fields[1], &names); err != nil {
			return
		}
		methods := parseFlagNames(names)
		if !conn.SetCompression(methods) {
			return
		}
		localNames, _ := wire.EncodeJSON(flagNames(intersectFlags(wire.CompressionFlags, methods)))
		resp := wire.New(wire.Whisper, []byte(s.id), [][]byte{
			{byte(wire.Renegotiate)},
			{byte(wire.Compression)},
			localNames,
		}, wire.CompressionFlags)
		_ = conn.Send(resp)
	case wire.Resend:
		if last := conn.LastSent(); last != nil {
			_ = conn.Send(last)
		}
	}
}

func intersectFlags(preferred, available []wire.Flag) []wire.Flag {
	set := make(map[wire.Flag]bool, len(available))
	for _, f := range available {
		set[f] = true
	}
	var out []wire.Flag
	for _, f := range preferred {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}
