// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of the marker's counters.
type Stats struct {
	Cycles        uint64 // requests committed
	Aborted       uint64 // requests discarded by shutdown or fork
	Batches       uint64 // drain batches, all cycles
	PauseAttempts uint64 // StopTheWorld calls, all cycles

	ConcLast, ConcTotal time.Duration // concurrent mark
	StopLast, StopTotal time.Duration // stop-the-world, attempt to restart
}

type markStats struct {
	cycles   atomic.Uint64
	aborted  atomic.Uint64
	batches  atomic.Uint64
	attempts atomic.Uint64

	concLast, concTotal atomic.Int64
	stopLast, stopTotal atomic.Int64
}

// record stores d as the last sample and adds it to the total.
func record(last, total *atomic.Int64, d time.Duration) {
	last.Store(int64(d))
	total.Add(int64(d))
}

func (s *markStats) read() Stats {
	return Stats{
		Cycles:        s.cycles.Load(),
		Aborted:       s.aborted.Load(),
		Batches:       s.batches.Load(),
		PauseAttempts: s.attempts.Load(),
		ConcLast:      time.Duration(s.concLast.Load()),
		ConcTotal:     time.Duration(s.concTotal.Load()),
		StopLast:      time.Duration(s.stopLast.Load()),
		StopTotal:     time.Duration(s.stopTotal.Load()),
	}
}
