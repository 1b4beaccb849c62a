// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immix implements the concurrent mature marker of the Immix
// collector.
//
// A Marker is a single background thread that owns one collection cycle
// at a time. A mutator prepares the mark space (roots shaded gray) and
// hands the marker a Request. The marker then:
//
//  1. Drains the mark stack concurrently with the mutators, in bounded
//     batches. Between batches it leaves and rejoins the safepoint
//     protocol so that other threads' stop-the-world requests (for
//     example a young collection) are never held up by the marker.
//
//  2. Stops the world, retrying until the pause is in effect.
//
//  3. Sets the sink's mark-in-progress flag, hands the request to the
//     sink for commit, clears the flag and restarts the world.
//
// Shutdown is cooperative. The exit flag is polled at the head of the
// run loop, after every drain batch and at every pause attempt. However
// the marker exits, no request outlives it, the in-progress flag is
// false, and the world is left running.
package immix

import "errors"

var (
	// ErrPending is returned by Submit when an unconsumed request
	// already occupies the marker's slot.
	ErrPending = errors.New("immix: collection request already pending")

	// ErrShutdown is returned by Submit and SubmitWait once shutdown
	// has been requested.
	ErrShutdown = errors.New("immix: marker shutting down")
)

// MarkSpace owns the gray set and the region metadata.
type MarkSpace interface {
	// ProcessMarkStack traces up to budget units of work and reports
	// whether more work remains. Only one marker drains a space.
	ProcessMarkStack(budget int) bool
}

// Safepoint is the calling thread's view of the global stop-the-world
// protocol.
type Safepoint interface {
	// StopTheWorld attempts to pause all mutators and reports whether
	// the pause is in effect. Callers retry until it is.
	StopTheWorld() bool

	// RestartWorld resumes all mutators. It is a no-op if the caller
	// has no pause in effect.
	RestartWorld()

	// Checkpoint is a cooperative yield point.
	Checkpoint()

	// DeclareIndependent exempts the caller from pause requests until
	// DeclareDependent.
	DeclareIndependent()
	DeclareDependent()
}

// Sink receives finished collections.
type Sink interface {
	// Commit consumes r. It is called exactly once per committed
	// request, with the world stopped.
	Commit(r *Request)

	SetMarkInProgress()
	ClearMarkInProgress()
}

// A Request describes the work of one mature cycle. It is owned by the
// submitter until Submit returns nil, then by the marker until the sink
// has committed it.
type Request struct {
	// Payload is opaque to the marker.
	Payload any

	// Forced marks a user-requested cycle in the trace.
	Forced bool

	// OnDiscard, if set, is called once if the request is dropped
	// without being committed.
	OnDiscard func(r *Request)

	seq uint64
}

// Seq returns the sequence number the marker assigned to r on
// acceptance, starting at 1. It is 0 for a request never accepted.
func (r *Request) Seq() uint64 { return r.seq }

func (r *Request) discard() {
	if f := r.OnDiscard; f != nil {
		r.OnDiscard = nil
		f(r)
	}
}

func throw(s string) {
	panic("immix: " + s)
}
