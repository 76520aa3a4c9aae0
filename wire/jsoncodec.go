// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"github.com/ugorji/go/codec"
)

// jsonHandle is shared across every JSON (de)serialization this package
// does for handshake and peers-exchange payloads, matching the literal
// "json(outward_addr)" / "json([[id,[host,port]],...])" wire formats
// mandated by spec.md §6 — produced with the teacher's own codec
// library instead of bare encoding/json.
var jsonHandle = new(codec.JsonHandle)

// EncodeJSON renders v as the compact JSON text the wire format
// requires.
func EncodeJSON(v interface{}) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeJSON parses b into v.
func DecodeJSON(b []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(b, jsonHandle)
	return dec.Decode(v)
}
