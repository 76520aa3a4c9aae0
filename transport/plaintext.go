// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Plaintext is the unencrypted TCP StreamFactory — the "Plaintext"
// encryption option in spec.md §6's protocol tuple. It dials with the
// same net.Dialer-based idiom the teacher's client2/connection.go uses
// (defaultDialer with a KeepAlive and Timeout).
type Plaintext struct {
	// DialTimeout bounds Dial; spec.md §9 leaves connect timeout an
	// implementer's choice since the source blocks forever.
	DialTimeout time.Duration
}

// NewPlaintext returns a Plaintext factory with a sane default dial
// timeout.
func NewPlaintext() *Plaintext {
	return &Plaintext{DialTimeout: 10 * time.Second}
}

func (p *Plaintext) Listen(addr string, port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
}

func (p *Plaintext) Dial(ctx context.Context, addr string, port int) (net.Conn, error) {
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: 3 * time.Minute,
	}
	return dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
}
