// SPDX-License-Identifier: AGPL-3.0-only

package protocol

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// NewProcessSalt returns a fresh random value that is folded into a
// node's identity, matching the source's
// module-scope user_salt — except here it is a per-Socket value rather
// than a hidden package-level global (spec.md §9, "Global mutable state").
func NewProcessSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("protocol: generating process salt: %w", err)
	}
	return salt, nil
}

// NodeID derives a node's identity as base-58(SHA-384(outwardAddr ||
// protocolID || processSalt)), per spec.md §3.
func NodeID(outwardAddr, protocolID string, processSalt []byte) string {
	h := sha512.New384()
	h.Write([]byte(outwardAddr))
	h.Write([]byte(protocolID))
	h.Write(processSalt)
	return base58.Encode(h.Sum(nil))
}
