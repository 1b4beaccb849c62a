// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

// Phase is the marker's position in the collection protocol.
//
//	Idle -> MarkingConcurrent     request accepted
//	MarkingConcurrent -> Finalizing   mark stack exhausted
//	Finalizing -> Idle            world stopped and request committed
//	any -> ShuttingDown           exit flag observed; the thread exits
type Phase uint32

const (
	Idle Phase = iota
	MarkingConcurrent
	Finalizing
	ShuttingDown
)

var phaseStrings = [...]string{
	Idle:              "idle",
	MarkingConcurrent: "marking (concurrent)",
	Finalizing:        "finalizing",
	ShuttingDown:      "shutting down",
}

func (p Phase) String() string {
	if int(p) < len(phaseStrings) {
		return phaseStrings[p]
	}
	return "unknown"
}
