// SPDX-License-Identifier: AGPL-3.0-only

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenmesh/meshsocket/wire"
)

func TestSendReadRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, true)
	server := New(serverConn, false)

	msg := wire.New(wire.Whisper, []byte("sender-id"), [][]byte{{byte(wire.Whisper)}, []byte("hi")}, nil)

	done := make(chan error, 1)
	go func() { done <- client.Send(msg) }()

	got, err := server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, msg.Payload, got.Payload)
	require.Equal(t, msg.MsgType, got.MsgType)
}

func TestLastSentTracksWhisperAndBroadcast(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := New(clientConn, true)
	msg := wire.New(wire.Broadcast, []byte("s"), [][]byte{[]byte("x")}, nil)

	go server_drain(serverConn)
	require.NoError(t, client.Send(msg))
	require.Equal(t, msg, client.LastSent())

	whisper := wire.New(wire.Whisper, []byte("s"), [][]byte{[]byte("y")}, nil)
	require.NoError(t, client.Send(whisper))
	require.Equal(t, whisper, client.LastSent())
}

func server_drain(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestSetCompressionReportsChange(t *testing.T) {
	c := &Connection{}
	require.True(t, c.SetCompression([]wire.Flag{wire.Gzip}))
	require.False(t, c.SetCompression([]wire.Flag{wire.Gzip}))
	require.True(t, c.SetCompression([]wire.Flag{wire.Zlib}))
}

func TestStale(t *testing.T) {
	c := &Connection{active: true, LastActivity: time.Now().UTC().Add(-time.Hour)}
	require.True(t, c.Stale(time.Minute))
	c.LastActivity = time.Now().UTC()
	require.False(t, c.Stale(time.Minute))
}

func TestStaleIgnoresIdleConnections(t *testing.T) {
	c := &Connection{LastActivity: time.Now().UTC().Add(-time.Hour)}
	require.False(t, c.Stale(time.Minute), "a connection that has simply gone quiet between messages must never be reaped")
}
