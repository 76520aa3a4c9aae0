// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/sha512"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
)

// InternalMessage is the protocol-level message type: a flag, a sender
// ID, an ordered payload, a timestamp, and the compression methods the
// sender advertises. See spec.md §3.
type InternalMessage struct {
	MsgType            Flag
	SenderID           []byte
	Payload            [][]byte
	Timestamp          int64
	CompressionMethods []Flag
}

// New builds an InternalMessage stamped with the current UTC time.
func New(msgType Flag, senderID []byte, payload [][]byte, compressionMethods []Flag) *InternalMessage {
	return &InternalMessage{
		MsgType:            msgType,
		SenderID:           senderID,
		Payload:            payload,
		Timestamp:          time.Now().UTC().Unix(),
		CompressionMethods: compressionMethods,
	}
}

// NewAt is New with an explicit timestamp, used when resending a
// message under its original id (e.g. waterfall rebroadcast preserves
// the original sender and time).
func NewAt(msgType Flag, senderID []byte, payload [][]byte, compressionMethods []Flag, timestamp int64) *InternalMessage {
	m := New(msgType, senderID, payload, compressionMethods)
	m.Timestamp = timestamp
	return m
}

// Time58 returns the message's timestamp encoded in base-58.
func (m *InternalMessage) Time58() string {
	return encodeInt58(m.Timestamp)
}

// EncodeTime58 base-58 encodes a UTC-seconds timestamp the same way a
// message's own Time58 does, for callers (e.g. the rendezvous request
// id derivation) that need the encoding without a full InternalMessage.
func EncodeTime58(timestamp int64) string {
	return encodeInt58(timestamp)
}

// payloadBytes concatenates the payload packets with no separator, the
// input to the id hash (spec.md §3).
func (m *InternalMessage) payloadBytes() []byte {
	var total int
	for _, p := range m.Payload {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range m.Payload {
		buf = append(buf, p...)
	}
	return buf
}

// ID returns the message's dedup key: base-58(SHA-384(concat(payload)
// || time_58)).
func (m *InternalMessage) ID() string {
	h := sha512.New384()
	h.Write(m.payloadBytes())
	h.Write([]byte(m.Time58()))
	return base58.Encode(h.Sum(nil))
}

// Packets returns [msg_type, sender_id, id, time_58, *payload] as raw
// byte strings, the list that gets length-prefixed and framed.
func (m *InternalMessage) Packets() [][]byte {
	packets := make([][]byte, 0, 4+len(m.Payload))
	packets = append(packets,
		[]byte{byte(m.MsgType)},
		m.SenderID,
		[]byte(m.ID()),
		[]byte(m.Time58()),
	)
	packets = append(packets, m.Payload...)
	return packets
}

// encodeInt58 base-58 encodes a non-negative integer, matching
// spec.md §3's "time_58 = base-58 of timestamp". The timestamp is
// arithmetic, not a byte string, so it is turned into its big-endian
// big.Int representation before handing it to the same base58 codec
// used for hashes elsewhere in this package.
func encodeInt58(i int64) string {
	b := big.NewInt(i).Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return base58.Encode(b)
}

// decodeBase58Int reverses encodeInt58.
func decodeBase58Int(s string) (int64, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return 0, err
	}
	n := new(big.Int).SetBytes(b)
	return n.Int64(), nil
}
