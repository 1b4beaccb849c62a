// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Rbxgc exercises the mature collector.
//
// Usage:
//
//	rbxgc [-mutators n] [-cycles n] [-objects n] [-gctrace level]
//
// Rbxgc starts a set of mutator goroutines that allocate into and rewire
// a shared object space, each taking part in the safepoint protocol,
// and requests mature collections until the requested number of cycles
// has committed. It then checks that no reachable object was freed and
// prints a summary.
//
// RBXDEBUG is honored; -gctrace overrides its gctrace setting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyet92k/rubinius/internal/debug"
	"github.com/dyet92k/rubinius/internal/gc/heap"
	"github.com/dyet92k/rubinius/internal/gc/immix"
	"github.com/dyet92k/rubinius/internal/gc/memory"
	"github.com/dyet92k/rubinius/internal/gc/safepoint"
)

var (
	mutators = flag.Int("mutators", 4, "number of mutator goroutines")
	cycles   = flag.Int("cycles", 10, "mature cycles to run")
	objects  = flag.Int("objects", 1000, "initial live objects per mutator")
	gctrace  = flag.Int("gctrace", -1, "gctrace level; -1 keeps RBXDEBUG")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rbxgc [-mutators n] [-cycles n] [-objects n] [-gctrace level]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("rbxgc: ")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 || *mutators < 1 || *cycles < 0 || *objects < 0 {
		usage()
	}

	v := debug.FromEnv()
	if *gctrace >= 0 {
		v.GCTrace = int32(*gctrace)
	}

	space := heap.New()
	for i := 0; i < *mutators; i++ {
		var head heap.ObjectID
		for j := 0; j < *objects; j++ {
			head = space.Alloc(head)
		}
		space.AddRoot(head)
	}
	nexus := safepoint.New(time.Duration(v.STWWait) * time.Microsecond)

	finished := make(chan memory.Cycle, 1)
	cfg := memory.ConfigFromDebug(v)
	cfg.OnFinish = func(c memory.Cycle) {
		select {
		case finished <- c:
		default:
		}
	}
	mem := memory.New(space, nexus, cfg)
	mem.Start()

	start := time.Now()
	err := run(mem, finished)
	mem.Halt()
	if err != nil {
		log.Fatal(err)
	}
	if err := space.Verify(); err != nil {
		log.Fatal(err)
	}

	st := mem.Stats()
	ms := mem.Marker().Stats()
	ps := nexus.Stats()
	fmt.Printf("%d cycles in %v: %d objects freed, %d live\n",
		st.Cycles, time.Since(start).Round(time.Millisecond), st.Freed, space.Len())
	fmt.Printf("marker: %d batches, %d pause attempts, %d aborted, concurrent %v, stopped %v\n",
		ms.Batches, ms.PauseAttempts, ms.Aborted, ms.ConcTotal, ms.StopTotal)
	fmt.Printf("safepoint: %d pauses, %v total\n", ps.Pauses, ps.PauseTotal)
}

// run drives the mutators and requests cycles until *cycles have
// committed.
func run(mem *memory.Memory, finished <-chan memory.Cycle) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < *mutators; i++ {
		th := mem.Nexus().Register(fmt.Sprintf("mutator.%d", i))
		slot := i
		g.Go(func() error {
			defer th.Unregister()
			mutate(ctx, mem.Space(), th, slot)
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		for n := 0; n < *cycles; {
			if _, err := mem.CollectMature(n == 0); err != nil {
				if !errors.Is(err, heap.ErrCycleActive) && !errors.Is(err, immix.ErrPending) {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Microsecond):
				}
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-finished:
				n++
			}
		}
		return nil
	})
	return g.Wait()
}

// mutate pushes new objects onto root slot's list, drops the list every
// so often and splices objects out of it, reaching a safepoint after
// every step.
func mutate(ctx context.Context, space *heap.Space, th *safepoint.Thread, slot int) {
	for n := 1; ctx.Err() == nil; n++ {
		head := space.Root(slot)
		switch {
		case n%64 == 0:
			space.SetRoot(slot, space.Alloc(0))
		case n%5 == 0 && head != 0 && space.Ref(head, 0) != 0:
			space.SetRef(head, 0, space.Ref(space.Ref(head, 0), 0))
		default:
			space.SetRoot(slot, space.Alloc(head))
		}
		th.Checkpoint()
		runtime.Gosched()
	}
}
