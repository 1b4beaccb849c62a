// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBatch is the drain budget between safepoint yields. It is
	// small enough that a young collection waiting on the marker is not
	// noticeably delayed.
	DefaultBatch = 100

	threadName = "rbx.immix"
)

// Config configures a Marker. The zero value is usable.
type Config struct {
	Batch  int       // drain budget per batch; DefaultBatch if <= 0
	Trace  int32     // gctrace level; 0 disables
	Output io.Writer // trace output; os.Stderr if nil
	Name   string    // OS thread name; "rbx.immix" if empty
}

// A Marker is the background mature marking thread.
type Marker struct {
	space MarkSpace
	world Safepoint
	sink  Sink
	batch int
	name  string

	// lock protects the request slot and the lifecycle fields. runCond
	// wakes the worker; slotCond wakes SubmitWait callers.
	lock     sync.Mutex
	runCond  sync.Cond
	slotCond sync.Cond
	pending  *Request
	seq      uint64
	kicked   bool
	started  bool
	done     chan struct{}

	exit  atomic.Bool
	phase atomic.Uint32

	stats markStats
	trace tracer
}

// New returns a marker draining space, synchronizing through world and
// committing into sink. The marker does not run until Start.
func New(space MarkSpace, world Safepoint, sink Sink, cfg Config) *Marker {
	m := &Marker{
		space: space,
		world: world,
		sink:  sink,
		batch: cfg.Batch,
		name:  cfg.Name,
	}
	if m.batch <= 0 {
		m.batch = DefaultBatch
	}
	if m.name == "" {
		m.name = threadName
	}
	m.runCond.L = &m.lock
	m.slotCond.L = &m.lock
	m.trace.w = cfg.Output
	if m.trace.w == nil {
		m.trace.w = os.Stderr
	}
	m.trace.level = cfg.Trace
	m.trace.epoch = time.Now()
	return m
}

// Start launches the marker thread and returns once it is running.
// Calling Start twice panics.
func (m *Marker) Start() {
	m.lock.Lock()
	if m.started {
		m.lock.Unlock()
		throw("marker already started")
	}
	m.started = true
	done := make(chan struct{})
	m.done = done
	m.lock.Unlock()

	ready := make(chan struct{})
	go m.run(done, ready)
	<-ready
}

// Submit hands r to the marker. It fails with ErrPending if an earlier
// request has not been committed yet, and with ErrShutdown once
// RequestShutdown has been called. On failure the caller keeps r.
func (m *Marker) Submit(r *Request) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.exit.Load() {
		return ErrShutdown
	}
	if m.pending != nil {
		return ErrPending
	}
	m.installLocked(r)
	return nil
}

// SubmitWait is like Submit but waits for the slot to become free. It
// returns context.Cause(ctx) if ctx is done first.
func (m *Marker) SubmitWait(ctx context.Context, r *Request) error {
	stop := context.AfterFunc(ctx, func() {
		m.lock.Lock()
		m.slotCond.Broadcast()
		m.lock.Unlock()
	})
	defer stop()

	m.lock.Lock()
	defer m.lock.Unlock()
	for {
		if m.exit.Load() {
			return ErrShutdown
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if m.pending == nil {
			m.installLocked(r)
			return nil
		}
		m.slotCond.Wait()
	}
}

func (m *Marker) installLocked(r *Request) {
	m.seq++
	r.seq = m.seq
	m.pending = r
	m.runCond.Signal()
}

// RequestShutdown asks the marker to exit at its next suspension point.
// Use Join to wait for it.
func (m *Marker) RequestShutdown() {
	m.exit.Store(true)
	m.lock.Lock()
	m.runCond.Signal()
	m.slotCond.Broadcast()
	m.lock.Unlock()
}

// Join waits for the marker thread to exit. It returns immediately if
// the marker was never started.
func (m *Marker) Join() {
	m.lock.Lock()
	done := m.done
	m.lock.Unlock()
	if done != nil {
		<-done
	}
}

// Wakeup kicks the marker out of its idle wait without submitting work.
func (m *Marker) Wakeup() {
	m.lock.Lock()
	m.kicked = true
	m.runCond.Signal()
	m.lock.Unlock()
}

// AfterForkChild resets the marker in a forked child, where the marker
// thread no longer exists. Any pending request is discarded, the phase
// is Idle, and Start may be called again.
func (m *Marker) AfterForkChild() {
	m.lock.Lock()
	r := m.pending
	m.pending = nil
	m.kicked = false
	m.started = false
	m.done = nil
	m.exit.Store(false)
	m.setPhase(Idle)
	m.slotCond.Broadcast()
	m.lock.Unlock()

	if r != nil {
		m.stats.aborted.Add(1)
		r.discard()
	}
}

// Phase returns the marker's current phase.
func (m *Marker) Phase() Phase {
	return Phase(m.phase.Load())
}

// Pending reports whether an unconsumed request occupies the slot.
func (m *Marker) Pending() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pending != nil
}

// Stats returns a snapshot of the marker's counters.
func (m *Marker) Stats() Stats {
	return m.stats.read()
}

func (m *Marker) setPhase(p Phase) {
	m.phase.Store(uint32(p))
}

func (m *Marker) run(done, ready chan struct{}) {
	tid := lockThread(m.name)
	m.world.DeclareDependent()
	close(ready)

	var r *Request
	for {
		var ok bool
		if r, ok = m.park(); !ok {
			break
		}
		if r == nil {
			// Woken without work.
			continue
		}
		if !m.collect(r, tid) {
			break
		}
		m.release(r)
	}
	m.shutdown(r)
	close(done)
}

// park returns the pending request, waiting for one if necessary. The
// marker is independent of the safepoint protocol for the duration of
// the wait. park returns a nil request after a Wakeup, and false once
// the exit flag is set.
func (m *Marker) park() (*Request, bool) {
	m.lock.Lock()
	if m.exit.Load() {
		m.lock.Unlock()
		return nil, false
	}
	if r := m.pending; r != nil {
		m.lock.Unlock()
		return r, true
	}
	m.world.DeclareIndependent()
	for m.pending == nil && !m.exit.Load() && !m.kicked {
		m.runCond.Wait()
	}
	m.kicked = false
	r := m.pending
	m.lock.Unlock()

	if m.exit.Load() {
		return nil, false
	}
	m.world.DeclareDependent()
	return r, true
}

// collect runs one cycle for r. It reports false if the exit flag
// interrupted the cycle before commit, in which case the world is
// running and r has not been committed.
func (m *Marker) collect(r *Request, tid int) bool {
	start := time.Now()
	m.setPhase(MarkingConcurrent)

	var batches uint64
	for {
		batches++
		if !m.space.ProcessMarkStack(m.batch) {
			break
		}
		// Allow a young collection to stop the world between batches.
		m.world.DeclareIndependent()
		m.world.DeclareDependent()
		if m.exit.Load() {
			m.stats.batches.Add(batches)
			return false
		}
	}
	m.stats.batches.Add(batches)
	conc := time.Since(start)
	record(&m.stats.concLast, &m.stats.concTotal, conc)
	if m.exit.Load() {
		return false
	}

	m.setPhase(Finalizing)
	pauseStart := time.Now()
	var attempts uint64
	for {
		attempts++
		if m.world.StopTheWorld() {
			break
		}
		if m.exit.Load() {
			m.stats.attempts.Add(attempts)
			m.world.RestartWorld()
			return false
		}
		m.world.Checkpoint()
	}
	m.stats.attempts.Add(attempts)

	m.sink.SetMarkInProgress()
	m.sink.Commit(r)
	m.sink.ClearMarkInProgress()
	m.world.RestartWorld()

	stop := time.Since(pauseStart)
	record(&m.stats.stopLast, &m.stats.stopTotal, stop)
	m.stats.cycles.Add(1)
	m.trace.cycle(r, start, conc, stop, batches, attempts, tid)
	return true
}

// release frees the slot after r has been committed.
func (m *Marker) release(r *Request) {
	m.lock.Lock()
	if m.pending == r {
		m.pending = nil
	}
	m.setPhase(Idle)
	m.slotCond.Broadcast()
	m.lock.Unlock()
}

// shutdown is the marker's exit path. r is the request being collected
// when the exit flag was observed, or nil if it was observed while idle.
func (m *Marker) shutdown(r *Request) {
	m.lock.Lock()
	if r == nil {
		r = m.pending
	}
	if r != nil && m.pending == r {
		m.pending = nil
	} else {
		// Already discarded by AfterForkChild.
		r = nil
	}
	phase := m.Phase()
	m.setPhase(ShuttingDown)
	m.slotCond.Broadcast()
	m.lock.Unlock()

	if r != nil {
		m.stats.aborted.Add(1)
		m.trace.discard(r, phase)
		r.discard()
	}
	m.sink.ClearMarkInProgress()
	m.world.DeclareIndependent()
}
