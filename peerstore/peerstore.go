// SPDX-License-Identifier: AGPL-3.0-only

// Package peerstore persists known peer addresses across restarts in a
// single-file bbolt database, the durable counterpart to mesh's
// in-memory routing table. A node can reload its last-known peer set
// and redial them on startup instead of depending solely on a
// hand-configured seed list.
package peerstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenmesh/meshsocket/peer"
)

var bucketName = []byte("peers")

// Record is a remembered peer: its last-known address and when it was
// last seen routed.
type Record struct {
	ID       string    `json:"id"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

// Store is a bbolt-backed address book.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("peerstore: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: initializing bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember upserts a peer's address, keyed by its node id.
func (s *Store) Remember(id string, addr peer.Addr) error {
	rec := Record{ID: id, Host: addr.Host, Port: addr.Port, LastSeen: time.Now()}
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("peerstore: marshaling record for %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(id), buf)
	})
}

// Forget removes a remembered peer.
func (s *Store) Forget(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

// All returns every remembered peer, most-recently-seen order is not
// guaranteed.
func (s *Store) All() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("peerstore: reading records: %w", err)
	}
	return out, nil
}
