// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshnode.toml")
	require.NoError(t, Write(path, Config{
		Node: Node{Addr: "127.0.0.1", Port: 9000, Transport: "quic"},
		Peers: []Peer{
			{Addr: "203.0.113.1", Port: 4434},
		},
		Logging: Logging{Verbosity: 5},
	}))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Node.Addr)
	require.Equal(t, 9000, cfg.Node.Port)
	require.Equal(t, "quic", cfg.Node.Transport)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, 5, cfg.Logging.Verbosity)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
