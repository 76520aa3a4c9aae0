// SPDX-License-Identifier: AGPL-3.0-only

package audit

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenmesh/meshsocket/mesh"
)

// TestRecordInsertsRow requires a reachable Postgres instance via
// MESHNODE_TEST_AUDIT_DSN; it is skipped otherwise since this package's
// unit tests should not depend on external services being up.
func TestRecordInsertsRow(t *testing.T) {
	dsn := os.Getenv("MESHNODE_TEST_AUDIT_DSN")
	if dsn == "" {
		t.Skip("MESHNODE_TEST_AUDIT_DSN not set")
	}

	sink, err := Open(dsn)
	require.NoError(t, err)
	defer sink.Close()

	msg := &mesh.Message{Sender: "node-a", Time: 1700000000, Packets: [][]byte{[]byte("hello")}}
	require.NoError(t, sink.Record(context.Background(), msg))
}

func TestHandlerNeverClaimsMessage(t *testing.T) {
	dsn := os.Getenv("MESHNODE_TEST_AUDIT_DSN")
	if dsn == "" {
		t.Skip("MESHNODE_TEST_AUDIT_DSN not set")
	}
	sink, err := Open(dsn)
	require.NoError(t, err)
	defer sink.Close()

	h := sink.Handler()
	claimed := h(&mesh.Message{Sender: "node-a", Time: 1700000000, Packets: [][]byte{[]byte("hi")}})
	require.False(t, claimed)
}
