// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory_test

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyet92k/rubinius/internal/debug"
	"github.com/dyet92k/rubinius/internal/gc/heap"
	"github.com/dyet92k/rubinius/internal/gc/immix"
	. "github.com/dyet92k/rubinius/internal/gc/memory"
	"github.com/dyet92k/rubinius/internal/gc/safepoint"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func recvCycle(t *testing.T, ch <-chan Cycle) Cycle {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for a mature cycle")
		return Cycle{}
	}
}

func chain(s *heap.Space, n int) []heap.ObjectID {
	ids := make([]heap.ObjectID, n)
	var next heap.ObjectID
	for i := n - 1; i >= 0; i-- {
		next = s.Alloc(next)
		ids[i] = next
	}
	return ids
}

type env struct {
	space  *heap.Space
	nexus  *safepoint.Nexus
	mem    *Memory
	cycles chan Cycle

	// bad counts commits that saw the mark-in-progress flag clear or the
	// world running.
	bad atomic.Int32
}

func newEnv(t *testing.T, batch int) *env {
	e := &env{
		space:  heap.New(),
		nexus:  safepoint.New(time.Millisecond),
		cycles: make(chan Cycle, 16),
	}
	e.mem = New(e.space, e.nexus, Config{
		Marker: immix.Config{Batch: batch},
		OnFinish: func(c Cycle) {
			if !e.mem.MarkInProgress() || !e.nexus.Stopped() {
				e.bad.Add(1)
			}
			e.cycles <- c
		},
	})
	t.Cleanup(e.mem.Halt)
	return e
}

func (e *env) check(t *testing.T) {
	t.Helper()
	if n := e.bad.Load(); n != 0 {
		t.Errorf("%d commits ran without the flag set and the world stopped", n)
	}
	if e.mem.MarkInProgress() {
		t.Errorf("mark-in-progress left set")
	}
	waitFor(t, "world restart", func() bool { return !e.nexus.Stopped() })
	if err := e.space.Verify(); err != nil {
		t.Error(err)
	}
}

func TestCollectMature(t *testing.T) {
	e := newEnv(t, 4)
	e.space.AddRoot(chain(e.space, 50)[0])
	for i := 0; i < 10; i++ {
		chain(e.space, 3)
	}
	e.mem.Start()

	r, err := e.mem.CollectMature(true)
	if err != nil {
		t.Fatalf("CollectMature: %v", err)
	}
	c := recvCycle(t, e.cycles)
	if c.Seq != r.Seq() || c.Seq != 1 || !c.Forced || c.Live != 50 || c.Freed != 30 {
		t.Fatalf("unexpected cycle %+v", c)
	}
	waitFor(t, "marker idle", func() bool {
		return e.mem.Marker().Phase() == immix.Idle && !e.mem.Marker().Pending()
	})
	e.check(t)
	if st := e.mem.Stats(); st.Cycles != 1 || st.Freed != 30 || st.Last != c {
		t.Fatalf("unexpected stats %+v", st)
	}
	if e.space.Len() != 50 {
		t.Fatalf("%d objects after collection, want 50", e.space.Len())
	}
}

func TestCollectMatureBusy(t *testing.T) {
	e := newEnv(t, 0)
	e.space.AddRoot(chain(e.space, 5)[0])
	chain(e.space, 2)

	if _, err := e.mem.CollectMature(false); err != nil {
		t.Fatalf("CollectMature: %v", err)
	}
	if _, err := e.mem.CollectMature(false); !errors.Is(err, heap.ErrCycleActive) {
		t.Fatalf("second CollectMature = %v, want ErrCycleActive", err)
	}
	e.mem.Start()
	if c := recvCycle(t, e.cycles); c.Freed != 2 {
		t.Fatalf("first cycle freed %d, want 2", c.Freed)
	}

	waitFor(t, "slot release", func() bool { return !e.mem.Marker().Pending() })
	if _, err := e.mem.CollectMature(false); err != nil {
		t.Fatalf("CollectMature after commit: %v", err)
	}
	if c := recvCycle(t, e.cycles); c.Seq != 2 || c.Freed != 0 {
		t.Fatalf("unexpected second cycle %+v", c)
	}
	e.check(t)
}

func TestMutatorsDuringMarking(t *testing.T) {
	const (
		mutators = 4
		cycles   = 5
		dropped  = 10 // objects in the list dropped before each cycle
	)
	e := newEnv(t, 1)
	for i := 0; i < mutators; i++ {
		e.space.AddRoot(chain(e.space, 100)[0])
	}
	// A list the test itself replaces before every cycle, so each cycle
	// after the first has garbage to free whatever the mutators did.
	own := e.space.AddRoot(chain(e.space, dropped)[0])
	e.mem.Start()

	var stop atomic.Bool
	var steps atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < mutators; i++ {
		th := e.nexus.Register("mutator")
		slot := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer th.Unregister()
			for n := 1; !stop.Load(); n++ {
				head := e.space.Root(slot)
				switch {
				case n%32 == 0:
					// Drop the whole list.
					e.space.SetRoot(slot, e.space.Alloc(0))
				case n%7 == 0 && head != 0 && e.space.Ref(head, 0) != 0:
					// Splice out the second element.
					e.space.SetRef(head, 0, e.space.Ref(e.space.Ref(head, 0), 0))
				default:
					e.space.SetRoot(slot, e.space.Alloc(head))
				}
				steps.Add(1)
				th.Checkpoint()
				runtime.Gosched()
			}
		}()
	}

	// A young collector that stops the world on its own schedule.
	young := e.nexus.Register("young")
	var youngErr atomic.Value
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer young.Unregister()
		for !stop.Load() {
			for !young.StopTheWorld() {
				young.Checkpoint()
			}
			if err := e.space.Verify(); err != nil {
				youngErr.Store(err)
			}
			young.RestartWorld()
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var last int64
	for i := 0; i < cycles; i++ {
		// Every mutator gets far enough to drop its list at least twice.
		want := last + 64*mutators
		waitFor(t, "mutator progress", func() bool { return steps.Load() >= want })
		last = steps.Load()
		e.space.SetRoot(own, chain(e.space, dropped)[0])

		for {
			_, err := e.mem.CollectMature(false)
			if err == nil {
				break
			}
			if !errors.Is(err, heap.ErrCycleActive) && !errors.Is(err, immix.ErrPending) {
				t.Fatalf("CollectMature: %v", err)
			}
			time.Sleep(100 * time.Microsecond)
		}
		recvCycle(t, e.cycles)
	}
	stop.Store(true)
	wg.Wait()
	e.mem.Halt()

	if err, _ := youngErr.Load().(error); err != nil {
		t.Fatalf("young collection saw a dangling reference: %v", err)
	}
	e.check(t)
	st := e.mem.Stats()
	if st.Cycles != cycles || st.Freed < dropped*(cycles-1) {
		t.Fatalf("unexpected stats %+v, want %d cycles freeing at least %d", st, cycles, dropped*(cycles-1))
	}
	if p := e.mem.Marker().Phase(); p != immix.ShuttingDown {
		t.Fatalf("marker phase %v after Halt", p)
	}
	if n := e.nexus.Threads(); n != 0 {
		t.Fatalf("%d threads still registered after Halt", n)
	}
}

func TestHaltWhileFinalizing(t *testing.T) {
	e := newEnv(t, 0)
	e.space.AddRoot(chain(e.space, 10)[0])
	chain(e.space, 5)
	before := e.space.Len()

	// A dependent thread that never reaches a checkpoint keeps the
	// marker's pause from taking effect.
	stuck := e.nexus.Register("stuck")
	defer stuck.Unregister()

	e.mem.Start()
	if _, err := e.mem.CollectMature(false); err != nil {
		t.Fatalf("CollectMature: %v", err)
	}
	waitFor(t, "finalize", func() bool { return e.mem.Marker().Phase() == immix.Finalizing })
	e.mem.Halt()

	if st := e.mem.Stats(); st.Cycles != 0 {
		t.Fatalf("cycle committed without a pause: %+v", st)
	}
	if st := e.mem.Marker().Stats(); st.Aborted != 1 {
		t.Fatalf("marker stats %+v, want one aborted cycle", st)
	}
	if e.space.Active() {
		t.Fatalf("abandoned cycle left the space active")
	}
	if e.space.Len() != before {
		t.Fatalf("abandoned cycle freed objects")
	}
	e.check(t)
}

func TestAfterForkChild(t *testing.T) {
	e := newEnv(t, 0)
	e.space.AddRoot(chain(e.space, 3)[0])
	chain(e.space, 4)

	if _, err := e.mem.CollectMature(false); err != nil {
		t.Fatalf("CollectMature: %v", err)
	}
	// The fork may land in the middle of a commit.
	e.mem.SetMarkInProgress()
	e.mem.AfterForkChild()
	if e.space.Active() || e.mem.Marker().Pending() || e.mem.Marker().Phase() != immix.Idle {
		t.Fatalf("fork left collector state behind")
	}
	if e.mem.MarkInProgress() {
		t.Fatalf("fork left mark-in-progress set")
	}

	e.mem.Start()
	if _, err := e.mem.CollectMature(false); err != nil {
		t.Fatalf("CollectMature: %v", err)
	}
	if c := recvCycle(t, e.cycles); c.Freed != 4 || c.Live != 3 {
		t.Fatalf("unexpected cycle %+v", c)
	}
	e.check(t)
}

func TestConfigFromDebug(t *testing.T) {
	cfg := ConfigFromDebug(debug.Parse("gctrace=1,markbatch=8"))
	if cfg.Marker.Batch != 8 || cfg.Marker.Trace != 1 {
		t.Fatalf("unexpected config %+v", cfg.Marker)
	}
}
