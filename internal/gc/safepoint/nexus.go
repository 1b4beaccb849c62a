// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package safepoint implements the stop-the-world protocol shared by
// mutator threads and collector threads.
//
// Every participating thread holds a Thread handle obtained from
// Nexus.Register. A thread is either dependent, meaning it may touch the
// heap and must reach a checkpoint before the world counts as stopped,
// or independent, meaning it promises not to touch the heap (blocked in
// a syscall, idle, between marking batches) and is ignored by stops.
//
// One thread at a time owns a stop. Stopping proceeds in two steps, as
// in the runtime's stopTheWorldWithSema: the stopper claims the world,
// then waits for every other dependent thread to park at a checkpoint.
// The wait is bounded; if it expires StopTheWorld reports false with the
// claim still held, and the caller retries. RestartWorld drops the
// claim and releases every parked thread.
package safepoint

import (
	"sync"
	"time"
)

// DefaultWait bounds a single StopTheWorld attempt.
const DefaultWait = 100 * time.Microsecond

// A Nexus coordinates the threads of one VM.
type Nexus struct {
	wait time.Duration

	mu      sync.Mutex
	cond    sync.Cond // any change to threads, stopper or stopped
	threads map[*Thread]struct{}
	stopper *Thread
	stopped bool

	claimed time.Time
	stats   Stats
}

// Stats describes completed pauses.
type Stats struct {
	Pauses     uint64
	PauseLast  time.Duration // claim to restart
	PauseTotal time.Duration
}

// A Thread is one thread's handle on the protocol. Its methods must be
// called from the thread it was registered for.
type Thread struct {
	n    *Nexus
	name string

	// Protected by n.mu.
	dependent bool
	parked    bool
}

// New returns a Nexus whose stop attempts each wait up to wait for
// threads to park. Zero selects DefaultWait.
func New(wait time.Duration) *Nexus {
	if wait <= 0 {
		wait = DefaultWait
	}
	n := &Nexus{
		wait:    wait,
		threads: make(map[*Thread]struct{}),
	}
	n.cond.L = &n.mu
	return n
}

// Register adds a dependent thread. If another thread owns a stop,
// Register waits for it to finish first.
func (n *Nexus) Register(name string) *Thread {
	t := &Thread{n: n, name: name}
	n.mu.Lock()
	for n.stopper != nil {
		n.cond.Wait()
	}
	t.dependent = true
	n.threads[t] = struct{}{}
	n.mu.Unlock()
	return t
}

// Stopped reports whether a stop is in effect.
func (n *Nexus) Stopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// Threads returns the number of registered threads.
func (n *Nexus) Threads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.threads)
}

// Stats returns the pause statistics.
func (n *Nexus) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Name returns the name the thread registered with.
func (t *Thread) Name() string { return t.name }

// Unregister removes t. A thread that owns a stop restarts the world
// first.
func (t *Thread) Unregister() {
	n := t.n
	n.mu.Lock()
	if n.stopper == t {
		n.restartLocked()
	}
	delete(n.threads, t)
	n.cond.Broadcast()
	n.mu.Unlock()
}

// StopTheWorld claims the world for t and waits for every other
// dependent thread to reach a checkpoint. It reports whether the world is
// now stopped. On false the claim is kept, so threads keep parking, and
// the caller should retry or call RestartWorld. If another thread owns
// the stop, t parks until that stop ends and StopTheWorld reports false.
func (t *Thread) StopTheWorld() bool {
	n := t.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopper != nil && n.stopper != t {
		if t.dependent {
			t.parkLocked()
		} else {
			n.waitRestartLocked(t)
		}
		return false
	}
	if n.stopper == nil {
		n.stopper = t
		n.claimed = time.Now()
		n.cond.Broadcast()
	}
	if n.stopped {
		return true
	}

	deadline := time.Now().Add(n.wait)
	timer := time.AfterFunc(n.wait, func() {
		n.mu.Lock()
		n.cond.Broadcast()
		n.mu.Unlock()
	})
	defer timer.Stop()
	for !n.quiescentLocked(t) {
		if !time.Now().Before(deadline) {
			return false
		}
		n.cond.Wait()
	}
	n.stopped = true
	return true
}

// RestartWorld ends t's stop. It is a no-op if t owns none.
func (t *Thread) RestartWorld() {
	n := t.n
	n.mu.Lock()
	if n.stopper == t {
		n.restartLocked()
	}
	n.mu.Unlock()
}

// Checkpoint parks t while another thread owns a stop.
func (t *Thread) Checkpoint() {
	n := t.n
	n.mu.Lock()
	if t.dependent && n.stopper != nil && n.stopper != t {
		t.parkLocked()
	}
	n.mu.Unlock()
}

// DeclareIndependent exempts t from stops.
func (t *Thread) DeclareIndependent() {
	n := t.n
	n.mu.Lock()
	t.dependent = false
	n.cond.Broadcast()
	n.mu.Unlock()
}

// DeclareDependent rejoins the protocol, first waiting out any stop
// owned by another thread.
func (t *Thread) DeclareDependent() {
	n := t.n
	n.mu.Lock()
	n.waitRestartLocked(t)
	t.dependent = true
	n.mu.Unlock()
}

// quiescentLocked reports whether every dependent thread other than
// self is parked.
func (n *Nexus) quiescentLocked(self *Thread) bool {
	for t := range n.threads {
		if t != self && t.dependent && !t.parked {
			return false
		}
	}
	return true
}

func (t *Thread) parkLocked() {
	n := t.n
	t.parked = true
	n.cond.Broadcast()
	n.waitRestartLocked(t)
	t.parked = false
}

func (n *Nexus) waitRestartLocked(t *Thread) {
	for n.stopper != nil && n.stopper != t {
		n.cond.Wait()
	}
}

func (n *Nexus) restartLocked() {
	if n.stopped {
		d := time.Since(n.claimed)
		n.stats.Pauses++
		n.stats.PauseLast = d
		n.stats.PauseTotal += d
	}
	n.stopper = nil
	n.stopped = false
	n.cond.Broadcast()
}
