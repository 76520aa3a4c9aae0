// SPDX-License-Identifier: AGPL-3.0-only

// Package seenset implements the waterfall dedup set (spec.md §4.4,
// "Flood broadcast"): a bounded, time-evicted record of message ids
// already rebroadcast, so a flood never loops. It is a direct
// adaptation of the teacher's server/internal/decoy package, which
// keeps a gitlab.com/yawning/avl.git tree ordered by expiry so a sweep
// only ever walks the entries that are actually due.
package seenset

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
)

// DefaultMaxAge is how long an id is remembered before it is evicted
// even if the set never grows past DefaultMaxEntries, matching the
// source's 60-second waterfall expiry.
const DefaultMaxAge = 60 * time.Second

// DefaultMaxEntries bounds the set's size regardless of age, matching
// the source's `while len(self.waterfalls) > 100: pop()`.
const DefaultMaxEntries = 100

type entry struct {
	id      string
	seenAt  time.Time
	avlNode *avl.Node
}

// Set is a bounded, time-ordered record of seen message ids.
type Set struct {
	mu sync.Mutex

	maxAge     time.Duration
	maxEntries int

	byID  map[string]*entry
	byAge *avl.Tree
}

// New builds a Set with the given eviction bounds.
func New(maxAge time.Duration, maxEntries int) *Set {
	return &Set{
		maxAge:     maxAge,
		maxEntries: maxEntries,
		byID:       make(map[string]*entry),
		byAge: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*entry), b.(*entry)
			switch {
			case ea.seenAt.Before(eb.seenAt):
				return -1
			case ea.seenAt.After(eb.seenAt):
				return 1
			case ea.id < eb.id:
				return -1
			case ea.id > eb.id:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Default returns a Set using the source's 60s / 100-entry bounds.
func Default() *Set {
	return New(DefaultMaxAge, DefaultMaxEntries)
}

// Seen reports whether id has already been recorded, without modifying
// the set.
func (s *Set) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Add records id as seen, ordered and aged by at — the message's own
// embedded Timestamp (spec.md §3), not the local wall-clock time it was
// received. This matters for a multi-hop or delayed waterfalled
// message: it must fall out of every node's seen set 60s after it was
// created, not 60s after each node happened to receive it (spec.md
// §4.4 step 2, "Insert (msg.id, msg.time) at newest end"). Add returns
// false without modifying the set if id was already present (the
// source's waterfall "already captured" short-circuit); otherwise it
// records id and sweeps expired or overflowing entries, returning true.
func (s *Set) Add(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; ok {
		return false
	}

	e := &entry{id: id, seenAt: at}
	e.avlNode = s.byAge.Insert(e)
	s.byID[id] = e

	s.sweepLocked()
	return true
}

// Len reports how many ids are currently tracked.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// sweepLocked evicts entries older than maxAge, then trims from the
// oldest end until the set is within maxEntries. Must be called with
// mu held.
func (s *Set) sweepLocked() {
	cutoff := time.Now().Add(-s.maxAge)
	iter := s.byAge.Iterator(avl.Forward)
	var toRemove []*entry
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*entry)
		if e.seenAt.After(cutoff) {
			break
		}
		toRemove = append(toRemove, e)
	}
	for _, e := range toRemove {
		s.removeLocked(e)
	}

	for len(s.byID) > s.maxEntries {
		iter := s.byAge.Iterator(avl.Forward)
		node := iter.First()
		if node == nil {
			break
		}
		s.removeLocked(node.Value.(*entry))
	}
}

func (s *Set) removeLocked(e *entry) {
	delete(s.byID, e.id)
	s.byAge.Remove(e.avlNode)
	e.avlNode = nil
}
