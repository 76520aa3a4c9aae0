// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the StreamFactory capability (spec.md §9,
// "Polymorphic encryption") that the mesh code dials and listens
// through without ever knowing which concrete transport is underneath.
package transport

import (
	"context"
	"net"
)

// StreamFactory is implemented by each concrete transport (plaintext
// TCP, a secure stream wrapper, QUIC). The mesh code only ever talks to
// this interface.
type StreamFactory interface {
	// Listen binds addr:port and returns a net.Listener accepting
	// inbound streams.
	Listen(addr string, port int) (net.Listener, error)

	// Dial opens an outbound stream to addr:port, bounded by ctx.
	Dial(ctx context.Context, addr string, port int) (net.Conn, error)
}
