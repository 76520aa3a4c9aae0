// SPDX-License-Identifier: AGPL-3.0-only

// Package audit optionally records every message a MeshSocket delivers
// to application code into Postgres, for deployments that need a
// durable trail of what a node has seen. Messages are serialized with
// github.com/fxamacker/cbor/v2 before storage, matching the compact
// binary encoding the wire package already favors over JSON for
// payload-shaped data.
package audit

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenmesh/meshsocket/internal/corelog"
	"github.com/katzenmesh/meshsocket/mesh"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS mesh_messages (
	id          BIGSERIAL PRIMARY KEY,
	sender      TEXT NOT NULL,
	sent_at     BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	packets     BYTEA NOT NULL
)`

const insertSQL = `INSERT INTO mesh_messages (sender, sent_at, packets) VALUES ($1, $2, $3)`

// Sink writes delivered messages to Postgres.
type Sink struct {
	pool *pgx.ConnPool
	log  *logging.Logger
}

// Open connects to dsn, a libpq-style connection string, and ensures
// the audit table exists.
func Open(dsn string) (*Sink, error) {
	connConfig, err := pgx.ParseConnectionString(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parsing dsn: %w", err)
	}
	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connConfig,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: connecting: %w", err)
	}
	if _, err := pool.Exec(createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: creating table: %w", err)
	}
	return &Sink{pool: pool, log: corelog.Default.GetLogger("audit")}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// Record serializes msg's packets with CBOR and inserts one row per
// delivered message.
func (s *Sink) Record(_ context.Context, msg *mesh.Message) error {
	buf, err := cbor.Marshal(msg.Packets)
	if err != nil {
		return fmt.Errorf("audit: encoding packets: %w", err)
	}
	if _, err := s.pool.Exec(insertSQL, msg.Sender, msg.Time, buf); err != nil {
		return fmt.Errorf("audit: inserting record: %w", err)
	}
	return nil
}

// Handler returns a mesh.Handler that records every message through
// Record and then lets it fall through to further handlers or the
// Recv queue (it never claims the message).
func (s *Sink) Handler() mesh.Handler {
	return func(msg *mesh.Message) bool {
		if err := s.Record(context.Background(), msg); err != nil {
			s.log.Warningf("recording message from %s: %v", msg.Sender, err)
		}
		return false
	}
}
