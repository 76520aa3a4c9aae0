// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := New(Whisper, []byte("sender-id"), [][]byte{{byte(Whisper)}, []byte("hello")}, CompressionFlags)

	frame, err := Encode(msg, CompressionFlags)
	require.NoError(t, err)

	decoded, err := Decode(frame, CompressionFlags)
	require.NoError(t, err)

	require.Equal(t, msg.MsgType, decoded.MsgType)
	require.Equal(t, msg.SenderID, decoded.SenderID)
	require.Equal(t, msg.Timestamp, decoded.Timestamp)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.Equal(t, msg.ID(), decoded.ID())
}

func TestEncodeDecodeNoCompression(t *testing.T) {
	msg := New(Broadcast, []byte("sender"), [][]byte{[]byte("a"), []byte("b")}, nil)

	frame, err := Encode(msg, nil)
	require.NoError(t, err)

	decoded, err := Decode(frame, nil)
	require.NoError(t, err)
	require.Equal(t, msg.Payload, decoded.Payload)
}

func TestDecodeOuterLengthMismatch(t *testing.T) {
	frame := []byte{0, 0, 0, 10, 1, 2, 3}
	_, err := Decode(frame, nil)
	require.Error(t, err)
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	msg := New(Whisper, []byte("sender"), [][]byte{[]byte("payload")}, nil)
	frame, err := Encode(msg, nil)
	require.NoError(t, err)

	// Flip a byte inside the payload packet without touching any length
	// header, so the frame still parses but the embedded id no longer
	// matches.
	frame[len(frame)-1] ^= 0xFF

	_, err = Decode(frame, nil)
	require.Error(t, err)
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
}

func TestCompressionNegotiationPicksFirstCommonMethod(t *testing.T) {
	method, ok := selectCompression([]Flag{Zlib, Gzip, BZ2}, []Flag{BZ2, Gzip})
	require.True(t, ok)
	require.Equal(t, Gzip, method)
}

func TestCompressionNegotiationNoOverlap(t *testing.T) {
	_, ok := selectCompression([]Flag{Zlib}, []Flag{LZMA})
	require.False(t, ok)
}

func TestEachCompressionMethodRoundTrips(t *testing.T) {
	for _, method := range []Flag{Gzip, Zlib, BZ2, LZMA} {
		method := method
		t.Run(method.String(), func(t *testing.T) {
			msg := New(Broadcast, []byte("s"), [][]byte{[]byte("payload data to compress")}, nil)
			frame, err := Encode(msg, []Flag{method})
			require.NoError(t, err)
			decoded, err := Decode(frame, []Flag{method})
			require.NoError(t, err)
			require.Equal(t, msg.Payload, decoded.Payload)
		})
	}
}

func TestMessageIDDeterminesOnPayloadAndTimestamp(t *testing.T) {
	a := NewAt(Whisper, []byte("sender-a"), [][]byte{[]byte("x")}, nil, 1000)
	b := NewAt(Whisper, []byte("sender-b"), [][]byte{[]byte("x")}, nil, 1000)
	require.Equal(t, a.ID(), b.ID(), "id must depend only on payload and timestamp, not sender")

	c := NewAt(Whisper, []byte("sender-a"), [][]byte{[]byte("y")}, nil, 1000)
	require.NotEqual(t, a.ID(), c.ID())
}
