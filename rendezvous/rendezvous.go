// SPDX-License-Identifier: AGPL-3.0-only

// Package rendezvous implements the request/response bookkeeping used
// to reply to a sender the local node is not directly connected to
// (spec.md §4.4, "Reply to a non-connected sender"): a Request flag
// asks the holder of a routing table entry for that node's address,
// and once a Response arrives the originally queued payload is sent to
// the newly dialed peer.
package rendezvous

import (
	"sync"

	"github.com/katzenmesh/meshsocket/wire"
)

// Pending is a whisper reply waiting on a Request/Response round trip
// to learn where its recipient actually lives.
type Pending struct {
	Recipient string
	Payload   [][]byte
}

// Table maps a request id (spec.md §4.4) to the reply it unblocks.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// New returns an empty Table.
func New() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Put records a pending reply under requestID, matching the source's
// `self.server.requests.update({request_id: [...]})`.
func (t *Table) Put(requestID string, recipient string, payload [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[requestID] = &Pending{Recipient: recipient, Payload: payload}
}

// Take removes and returns the Pending entry for requestID, or nil if
// none is outstanding (e.g. a stale or duplicate Response arrived).
func (t *Table) Take(requestID string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[requestID]
	if !ok {
		return nil
	}
	delete(t.pending, requestID)
	return p
}

// ResponsePayload returns the single packet carried by a Response
// message: the JSON-encoded [host, port] address of the node that was
// asked about, or a JSON null if it is unknown.
func ResponsePayload(addr interface{}) ([][]byte, error) {
	body, err := wire.EncodeJSON(addr)
	if err != nil {
		return nil, err
	}
	return [][]byte{body}, nil
}
