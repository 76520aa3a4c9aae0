// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a helper for managing background goroutines
// that need to be cleanly halted, the way the Daemon supervises peer
// readers and the Daemon loop itself.
package worker

import "sync"

// Worker is a struct that can be embedded in objects that have one or
// more background goroutines associated with them, providing a uniform
// mechanism to start and halt such goroutines.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go spawns fn as a goroutine tracked by the Worker's WaitGroup, so that
// Halt can block until it returns.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the channel returned by HaltCh and waits for every
// goroutine started via Go to return. Halt is idempotent.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}

// HaltCh returns the channel that is closed when Halt is called. Workers
// select on this channel to know when to stop.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}
