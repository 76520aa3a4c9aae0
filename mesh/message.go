// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"fmt"

	"github.com/katzenmesh/meshsocket/wire"
)

// Message is handed to application code from Recv or a registered
// Handler: everything needed to inspect and reply to a received
// payload, the Go analogue of the source's message/Message wrapper.
type Message struct {
	Sender  string
	Time    int64
	Packets [][]byte // the application-level sub-payload, source's packets[1:]

	socket *MeshSocket
}

// Reply replies to Sender. If the sender is directly routed, this
// whispers back immediately; otherwise it starts a request/response
// rendezvous round to learn where the sender actually lives before
// delivering it (spec.md §4.4, the source's Message.reply).
func (m *Message) Reply(payload ...[]byte) error {
	m.socket.mu.Lock()
	conn, routed := m.socket.routingTable[m.Sender]
	m.socket.mu.Unlock()

	if routed {
		msg := wire.New(wire.Whisper, []byte(m.socket.id), append([][]byte{{byte(wire.Whisper)}}, payload...), wire.CompressionFlags)
		return conn.Send(msg)
	}

	reqID := requestID(m.Sender)
	m.socket.requests.Put(reqID, m.Sender, append([][]byte{{byte(wire.Whisper)}}, payload...))

	req := wire.New(wire.Broadcast, []byte(m.socket.id), [][]byte{
		{byte(wire.Request)},
		[]byte(reqID),
		[]byte(m.Sender),
	}, wire.CompressionFlags)
	m.socket.broadcastAll(req)

	m.socket.log.Noticef("not directly connected to %s; request %s dispatched to find a route", m.Sender, reqID)
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("message(sender=%s, packets=%v)", m.Sender, m.Packets)
}
