// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads a mesh node's TOML configuration file, the way
// katzenpost's own server and client configs are defined as plain
// structs unmarshaled with github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk shape of a meshnode configuration file.
type Config struct {
	Node     Node
	Protocol Protocol
	Peers    []Peer
	Logging  Logging
	Metrics  Metrics
	Storage  Storage
}

// Node describes this node's listening address and the address it
// advertises to peers during handshake.
type Node struct {
	// Addr is the interface to bind, e.g. "0.0.0.0".
	Addr string
	// Port is the TCP/QUIC port to bind. 0 selects an ephemeral port.
	Port int
	// OutAddr overrides the host advertised to peers, for nodes behind
	// NAT or a reverse proxy. Empty reuses Addr.
	OutAddr string
	// OutPort overrides the port advertised to peers. 0 reuses Port.
	OutPort int
	// Transport selects the stream factory: "tcp" or "quic".
	Transport string
}

// Protocol mirrors protocol.Protocol's (subnet, encryption) pair.
type Protocol struct {
	Subnet     string
	Encryption string
}

// Peer is a seed address dialed at startup.
type Peer struct {
	Addr string
	Port int
}

// Logging controls corelog's backend.
type Logging struct {
	// Verbosity is spec.md's 0-6 debug knob; see corelog.VerbosityToLevel.
	Verbosity int
	File      string
}

// Metrics controls whether a Prometheus HTTP listener is started.
type Metrics struct {
	Enabled bool
	Addr    string
}

// Storage configures the optional durable address book and audit sink.
type Storage struct {
	// PeerstorePath, if set, enables a bbolt-backed peerstore at this path.
	PeerstorePath string
	// AuditDSN, if set, enables a Postgres audit sink at this DSN.
	AuditDSN string
}

// Default returns a Config with spec.md's documented defaults.
func Default() Config {
	return Config{
		Node: Node{
			Addr:      "0.0.0.0",
			Port:      4434,
			Transport: "tcp",
		},
		Logging: Logging{Verbosity: 2},
	}
}

// Load reads and parses the TOML file at path, starting from Default
// and overlaying whatever the file specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Write serializes cfg as TOML to path, in the format Load reads.
func Write(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}
