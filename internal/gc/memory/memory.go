// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory owns the mature collector: the mark space, the
// concurrent marker and the bookkeeping of finished cycles.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dyet92k/rubinius/internal/debug"
	"github.com/dyet92k/rubinius/internal/gc/heap"
	"github.com/dyet92k/rubinius/internal/gc/immix"
	"github.com/dyet92k/rubinius/internal/gc/safepoint"
)

// Config configures a Memory.
type Config struct {
	Marker immix.Config

	// OnFinish, if set, is called with each committed cycle while the
	// world is still stopped.
	OnFinish func(Cycle)
}

// ConfigFromDebug fills the marker settings from parsed RBXDEBUG
// variables.
func ConfigFromDebug(v debug.Vars) Config {
	return Config{Marker: immix.Config{
		Batch: int(v.MarkBatch),
		Trace: v.GCTrace,
	}}
}

// Cycle describes a committed mature collection.
type Cycle struct {
	Seq    uint64
	Forced bool
	Live   int
	Freed  int
}

// Stats accumulates committed cycles.
type Stats struct {
	Cycles uint64
	Freed  uint64
	Last   Cycle
}

// Memory is the collection sink for its marker. It holds the only
// handle on the marker; nothing else starts or stops it.
type Memory struct {
	space  *heap.Space
	nexus  *safepoint.Nexus
	thread *safepoint.Thread
	marker *immix.Marker

	onFinish func(Cycle)

	markInProgress atomic.Bool

	mu    sync.Mutex
	stats Stats

	halt sync.Once
}

// New builds the mature collector over space. The marker's thread joins
// nexus but stays independent until the marker runs.
func New(space *heap.Space, nexus *safepoint.Nexus, cfg Config) *Memory {
	m := &Memory{
		space:    space,
		nexus:    nexus,
		onFinish: cfg.OnFinish,
	}
	name := cfg.Marker.Name
	if name == "" {
		name = "rbx.immix"
	}
	m.thread = nexus.Register(name)
	m.thread.DeclareIndependent()
	m.marker = immix.New(space, m.thread, m, cfg.Marker)
	return m
}

// Start starts the marker.
func (m *Memory) Start() {
	m.marker.Start()
}

// CollectMature starts a mature cycle from the space's roots plus extra.
// It fails if a cycle is already being marked or committed; the caller
// may retry later.
func (m *Memory) CollectMature(forced bool, extra ...heap.ObjectID) (*immix.Request, error) {
	if err := m.space.Begin(extra...); err != nil {
		return nil, fmt.Errorf("memory: mature collection: %w", err)
	}
	r := &immix.Request{
		Forced: forced,
		OnDiscard: func(*immix.Request) {
			m.space.Abort()
		},
	}
	if err := m.marker.Submit(r); err != nil {
		m.space.Abort()
		return nil, fmt.Errorf("memory: mature collection: %w", err)
	}
	return r, nil
}

// Commit sweeps the space for r. The marker calls it with the world
// stopped.
func (m *Memory) Commit(r *immix.Request) {
	st := m.space.Sweep()
	c := Cycle{
		Seq:    r.Seq(),
		Forced: r.Forced,
		Live:   st.Live,
		Freed:  st.Freed,
	}
	m.mu.Lock()
	m.stats.Cycles++
	m.stats.Freed += uint64(c.Freed)
	m.stats.Last = c
	m.mu.Unlock()

	if m.onFinish != nil {
		m.onFinish(c)
	}
}

// SetMarkInProgress raises the flag reported by MarkInProgress.
func (m *Memory) SetMarkInProgress() { m.markInProgress.Store(true) }

// ClearMarkInProgress lowers the flag reported by MarkInProgress.
func (m *Memory) ClearMarkInProgress() { m.markInProgress.Store(false) }

// MarkInProgress reports whether a cycle is being committed.
func (m *Memory) MarkInProgress() bool {
	return m.markInProgress.Load()
}

// Marker returns the mature marker.
func (m *Memory) Marker() *immix.Marker { return m.marker }

// Nexus returns the safepoint coordinator the marker synchronizes with.
func (m *Memory) Nexus() *safepoint.Nexus { return m.nexus }

// Space returns the mark space.
func (m *Memory) Space() *heap.Space { return m.space }

// Stats returns the committed-cycle statistics.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Halt stops the marker, waits for it to exit and removes its thread
// from the safepoint protocol. An in-flight cycle is abandoned. Halt is
// idempotent.
func (m *Memory) Halt() {
	m.halt.Do(func() {
		m.marker.RequestShutdown()
		m.marker.Join()
		m.thread.Unregister()
	})
}

// AfterForkChild resets the collector in a forked child. The marker
// thread did not survive the fork, so its pending cycle is dropped and
// its safepoint thread marked independent until Start runs it again.
// The mark-in-progress flag is cleared. AfterForkChild must not run
// concurrently with Halt.
func (m *Memory) AfterForkChild() {
	m.marker.AfterForkChild()
	m.markInProgress.Store(false)
	m.thread.DeclareIndependent()
	m.halt = sync.Once{}
}
