// SPDX-License-Identifier: AGPL-3.0-only

// Package protocol defines the protocol descriptor that two mesh nodes
// compare during handshake to decide whether they belong on the same
// mesh (spec.md §3, "Protocol descriptor").
package protocol

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// version is folded into every protocol identifier so that incompatible
// wire revisions refuse to interoperate even if subnet/encryption match.
const version = "1.0"

// Protocol is an immutable (subnet, encryption) pair plus the package's
// wire version. Two nodes are compatible iff their Protocol identifiers
// are equal.
type Protocol struct {
	Subnet     string
	Encryption string
}

// Default is the zero-value protocol: no subnet partition, no transport
// encryption wrapper (the plaintext StreamFactory is used as-is).
var Default = Protocol{Subnet: "", Encryption: "Plaintext"}

// ID returns the base-58 encoding of the SHA-256 digest over
// (subnet, encryption, version), per spec.md §3.
func (p Protocol) ID() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s%s%s", p.Subnet, p.Encryption, version)))
	return base58.Encode(h[:])
}

func (p Protocol) String() string {
	return fmt.Sprintf("Protocol(subnet=%q, encryption=%q)", p.Subnet, p.Encryption)
}
