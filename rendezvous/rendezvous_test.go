// SPDX-License-Identifier: AGPL-3.0-only

package rendezvous

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutTake(t *testing.T) {
	tbl := New()
	tbl.Put("req-1", "node-a", [][]byte{[]byte("hello")})

	p := tbl.Take("req-1")
	require.NotNil(t, p)
	require.Equal(t, "node-a", p.Recipient)
	require.Equal(t, [][]byte{[]byte("hello")}, p.Payload)

	require.Nil(t, tbl.Take("req-1"))
}

func TestTakeUnknownReturnsNil(t *testing.T) {
	tbl := New()
	require.Nil(t, tbl.Take("missing"))
}

func TestResponsePayloadEncodesAddr(t *testing.T) {
	payload, err := ResponsePayload([]interface{}{"1.2.3.4", 4000})
	require.NoError(t, err)
	require.Len(t, payload, 1)
	require.Contains(t, string(payload[0]), "1.2.3.4")
}
