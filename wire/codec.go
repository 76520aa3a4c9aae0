// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
)

// selectCompression returns the first method that appears in both
// preferred (the sender's own ordered preference list, CompressionFlags
// by default) and peerSupported (what the receiving peer advertised),
// or false if none match. This is spec.md §4.1's negotiation rule.
func selectCompression(preferred, peerSupported []Flag) (Flag, bool) {
	supported := make(map[Flag]bool, len(peerSupported))
	for _, m := range peerSupported {
		supported[m] = true
	}
	for _, m := range preferred {
		if supported[m] {
			return m, true
		}
	}
	return 0, false
}

// Encode serializes msg into its on-wire form: each packet prefixed
// with a four-byte big-endian length, the concatenation optionally
// compressed, then prefixed with an outer four-byte big-endian length
// (spec.md §4.1, §6).
func Encode(msg *InternalMessage, peerCompression []Flag) ([]byte, error) {
	packets := msg.Packets()

	var body []byte
	for _, p := range packets {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		body = append(body, lenBuf[:]...)
		body = append(body, p...)
	}

	if method, ok := selectCompression(CompressionFlags, peerCompression); ok {
		compressed, err := compress(body, method)
		if err != nil {
			return nil, newCompressionError("compressing with %v: %w", method, err)
		}
		body = compressed
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Decode parses a full frame (including its outer length header) back
// into an InternalMessage, trying each method in compressionMethods in
// turn before falling back to treating the body as plaintext, and
// verifying the embedded message id (spec.md §4.1).
func Decode(frame []byte, compressionMethods []Flag) (*InternalMessage, error) {
	if len(frame) < 4 {
		return nil, newFramingError("frame shorter than the outer length header (%d bytes)", len(frame))
	}
	outerLen := binary.BigEndian.Uint32(frame[:4])
	body := frame[4:]
	if uint32(len(body)) != outerLen {
		return nil, newFramingError("outer length %d does not match remainder %d", outerLen, len(body))
	}

	plaintext, err := decodeBody(body, compressionMethods)
	if err != nil {
		return nil, err
	}

	packets, err := splitPackets(plaintext)
	if err != nil {
		return nil, err
	}
	if len(packets) < 4 {
		return nil, newFramingError("expected at least 4 packets, got %d", len(packets))
	}

	msgType := Flag(0)
	if len(packets[0]) == 1 {
		msgType = Flag(packets[0][0])
	} else {
		return nil, newFramingError("msg_type packet must be exactly one byte, got %d", len(packets[0]))
	}

	timestamp, err := decodeInt58(string(packets[3]))
	if err != nil {
		return nil, newFramingError("decoding time_58: %w", err)
	}

	msg := &InternalMessage{
		MsgType:            msgType,
		SenderID:           packets[1],
		Payload:            packets[4:],
		Timestamp:          timestamp,
		CompressionMethods: compressionMethods,
	}

	if got, want := string(packets[2]), msg.ID(); got != want {
		return nil, newChecksumError("embedded id %q does not match recomputed id %q", got, want)
	}

	return msg, nil
}

// decodeBody tries each compression method in order; if none is given
// it is accepted as plaintext, and if all fail it is accepted as
// plaintext only when it parses as a packet list.
func decodeBody(body []byte, compressionMethods []Flag) ([]byte, error) {
	if len(compressionMethods) == 0 {
		return body, nil
	}
	var lastErr error
	for _, method := range compressionMethods {
		plain, err := decompress(body, method)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	// None of the advertised methods worked; accept as plaintext only if
	// it actually parses as a well-formed packet list.
	if _, err := splitPackets(body); err == nil {
		return body, nil
	}
	return nil, newCompressionError("all methods failed, not valid plaintext: %w", lastErr)
}

// splitPackets reverses the length-prefixed packet concatenation done
// in Encode.
func splitPackets(body []byte) ([][]byte, error) {
	var packets [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, newFramingError("trailing %d bytes, not enough for a length header", len(body))
		}
		n := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint64(n) > uint64(len(body)) {
			return nil, newFramingError("packet length %d exceeds remaining %d bytes", n, len(body))
		}
		packets = append(packets, body[:n])
		body = body[n:]
	}
	return packets, nil
}

func decodeInt58(s string) (int64, error) {
	n, err := decodeBase58Int(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
