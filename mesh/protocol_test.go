// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenmesh/meshsocket/protocol"
)

// TestMismatchedProtocolRejectsHandshake is spec.md §8 scenario 6: A
// uses Protocol{Subnet: "x"}, B uses Protocol{Subnet: "y"}. After
// B.Connect(A), neither peer ever appears in the other's routing
// table, and each socket's awaitingIDs is eventually empty again.
func TestMismatchedProtocolRejectsHandshake(t *testing.T) {
	a, err := New(Config{Addr: "127.0.0.1", Port: 0, Protocol: protocol.Protocol{Subnet: "x", Encryption: "Plaintext"}})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Close() })

	b, err := New(Config{Addr: "127.0.0.1", Port: 0, Protocol: protocol.Protocol{Subnet: "y", Encryption: "Plaintext"}})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Close() })

	aPort := a.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Connect(ctx, "127.0.0.1", aPort, ""))

	// Give the handshake round trip a chance to happen and be rejected.
	time.Sleep(200 * time.Millisecond)

	require.False(t, isRouted(t, a, b.ID()))
	require.False(t, isRouted(t, b, a.ID()))

	waitForCondition(t, 2*time.Second, func() bool {
		return awaitingCount(t, a) == 0 && awaitingCount(t, b) == 0
	})
}

func awaitingCount(t *testing.T, s *MeshSocket) int {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.awaitingIDs)
}
