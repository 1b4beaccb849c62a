// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"io"
	"strconv"
	"sync"
	"time"
)

// tracer writes gctrace lines. Lines from one marker never interleave.
type tracer struct {
	lock  sync.Mutex
	w     io.Writer
	level int32
	epoch time.Time
}

// cycle prints the summary of a committed cycle:
//
//	immix 3 @0.125s: 1.2+0.040 ms clock, 12 batches, 1 attempts, tid 4711 (forced)
//
// The clock fields are the concurrent mark time and the stop-the-world
// time, in that order.
func (t *tracer) cycle(r *Request, start time.Time, conc, stop time.Duration, batches, attempts uint64, tid int) {
	if t.level <= 0 {
		return
	}
	var sbuf [24]byte
	b := make([]byte, 0, 128)
	b = append(b, "immix "...)
	b = strconv.AppendUint(b, r.seq, 10)
	b = append(b, " @"...)
	b = append(b, itoaDiv(sbuf[:], uint64(start.Sub(t.epoch))/1e6, 3)...)
	b = append(b, "s: "...)
	b = append(b, fmtNSAsMS(sbuf[:], uint64(conc))...)
	b = append(b, '+')
	b = append(b, fmtNSAsMS(sbuf[:], uint64(stop))...)
	b = append(b, " ms clock, "...)
	b = strconv.AppendUint(b, batches, 10)
	b = append(b, " batches, "...)
	b = strconv.AppendUint(b, attempts, 10)
	b = append(b, " attempts"...)
	if tid != 0 {
		b = append(b, ", tid "...)
		b = strconv.AppendInt(b, int64(tid), 10)
	}
	if r.Forced {
		b = append(b, " (forced)"...)
	}
	b = append(b, '\n')
	t.write(b)
}

// discard notes a request dropped without commit.
func (t *tracer) discard(r *Request, phase Phase) {
	if t.level <= 0 {
		return
	}
	b := make([]byte, 0, 64)
	b = append(b, "immix "...)
	b = strconv.AppendUint(b, r.seq, 10)
	b = append(b, ": discarded while "...)
	b = append(b, phase.String()...)
	b = append(b, '\n')
	t.write(b)
}

func (t *tracer) write(b []byte) {
	t.lock.Lock()
	t.w.Write(b)
	t.lock.Unlock()
}

// Timing

// itoaDiv formats val/(10**dec) into buf.
func itoaDiv(buf []byte, val uint64, dec int) []byte {
	i := len(buf) - 1
	idec := i - dec
	for val >= 10 || i >= idec {
		buf[i] = byte(val%10 + '0')
		i--
		if i == idec {
			buf[i] = '.'
			i--
		}
		val /= 10
	}
	buf[i] = byte(val + '0')
	return buf[i:]
}

// fmtNSAsMS nicely formats ns nanoseconds as milliseconds.
func fmtNSAsMS(buf []byte, ns uint64) []byte {
	if ns >= 10e6 {
		// Format as whole milliseconds.
		return itoaDiv(buf, ns/1e6, 0)
	}
	// Format two digits of precision, with at most three decimal places.
	x := ns / 1e3
	if x == 0 {
		buf[0] = '0'
		return buf[:1]
	}
	dec := 3
	for x >= 100 {
		x /= 10
		dec--
	}
	return itoaDiv(buf, x, dec)
}
