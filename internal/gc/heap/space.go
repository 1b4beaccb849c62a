// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap is the mature mark space: an object table with reference
// slots, a root table, and the gray stack the concurrent marker drains.
//
// A cycle runs Begin, then ProcessMarkStack until it reports no more
// work, then Sweep with the world stopped. While a cycle is active:
//
//   - objects are allocated black, and their initial references shaded;
//   - SetRef and SetRoot shade the stored target (an insertion barrier),
//     so nothing a mutator stores behind the marker is lost.
//
// Sweep drains whatever the barrier added after the marker's last batch,
// frees every unmarked object and clears all mark state, so no state of
// one cycle is visible to the next.
package heap

import (
	"errors"
	"fmt"
	"sync"
)

// ObjectID names an object. Zero is the nil reference.
type ObjectID uint64

// ErrCycleActive is returned by Begin while a cycle is in progress.
var ErrCycleActive = errors.New("heap: mark cycle already active")

type object struct {
	refs   []ObjectID
	marked bool
}

// Space is safe for concurrent use by mutators and one marker.
type Space struct {
	mu      sync.Mutex
	objects map[ObjectID]*object
	roots   []ObjectID
	next    ObjectID
	gray    []ObjectID // mark stack
	active  bool
}

// SweepStats summarizes a Sweep.
type SweepStats struct {
	Live  int
	Freed int
}

// New returns an empty space.
func New() *Space {
	return &Space{objects: make(map[ObjectID]*object)}
}

// Alloc allocates an object whose reference slots hold refs.
func (s *Space) Alloc(refs ...ObjectID) ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		s.checkLocked(r)
	}
	s.next++
	id := s.next
	o := &object{refs: append([]ObjectID(nil), refs...)}
	s.objects[id] = o
	if s.active {
		// Allocate black.
		o.marked = true
		for _, r := range refs {
			s.shadeLocked(r)
		}
	}
	return id
}

// Ref returns slot i of obj.
func (s *Space) Ref(obj ObjectID, i int) ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(obj).refs[i]
}

// Refs returns the number of reference slots of obj.
func (s *Space) Refs(obj ObjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lookupLocked(obj).refs)
}

// SetRef stores target into slot i of obj.
func (s *Space) SetRef(obj ObjectID, i int, target ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLocked(target)
	o := s.lookupLocked(obj)
	if s.active {
		s.shadeLocked(target)
	}
	o.refs[i] = target
}

// AddRoot appends a root slot holding id and returns its index.
func (s *Space) AddRoot(id ObjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLocked(id)
	if s.active {
		s.shadeLocked(id)
	}
	s.roots = append(s.roots, id)
	return len(s.roots) - 1
}

// Root returns root slot i.
func (s *Space) Root(i int) ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots[i]
}

// SetRoot stores id into root slot i.
func (s *Space) SetRoot(i int, id ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLocked(id)
	if s.active {
		s.shadeLocked(id)
	}
	s.roots[i] = id
}

// Begin opens a cycle, shading every root and any extra objects.
func (s *Space) Begin(extra ...ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrCycleActive
	}
	for _, id := range extra {
		s.checkLocked(id)
	}
	s.active = true
	for _, id := range s.roots {
		s.shadeLocked(id)
	}
	for _, id := range extra {
		s.shadeLocked(id)
	}
	return nil
}

// ProcessMarkStack scans up to budget gray objects and reports whether
// gray objects remain.
func (s *Space) ProcessMarkStack(budget int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked(budget)
	return len(s.gray) > 0
}

// Sweep finishes the cycle: it drains the remaining gray objects, frees
// every unmarked object and resets the mark state. It must be called
// with the world stopped.
func (s *Space) Sweep() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		panic("heap: Sweep without an active cycle")
	}
	s.drainLocked(-1)
	var st SweepStats
	for id, o := range s.objects {
		if !o.marked {
			delete(s.objects, id)
			st.Freed++
			continue
		}
		o.marked = false
		st.Live++
	}
	s.resetLocked()
	return st
}

// Abort abandons the cycle without freeing anything.
func (s *Space) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		o.marked = false
	}
	s.resetLocked()
}

// Active reports whether a cycle is open.
func (s *Space) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Live reports whether id names an allocated object.
func (s *Space) Live(id ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[id]
	return ok
}

// Marked reports whether id has been reached in the current cycle.
func (s *Space) Marked(id ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	return ok && o.marked
}

// Len returns the number of allocated objects.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// Verify walks the graph reachable from the roots and reports the first
// reference to a freed object.
func (s *Space) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[ObjectID]bool)
	stack := append([]ObjectID(nil), s.roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		o, ok := s.objects[id]
		if !ok {
			return fmt.Errorf("heap: reachable object %d was freed", id)
		}
		stack = append(stack, o.refs...)
	}
	return nil
}

// drainLocked scans up to budget gray objects; a negative budget drains
// the stack.
func (s *Space) drainLocked(budget int) {
	for n := 0; len(s.gray) > 0 && (budget < 0 || n < budget); n++ {
		id := s.gray[len(s.gray)-1]
		s.gray = s.gray[:len(s.gray)-1]
		for _, r := range s.objects[id].refs {
			s.shadeLocked(r)
		}
	}
}

// shadeLocked marks a white object and pushes it on the gray stack.
func (s *Space) shadeLocked(id ObjectID) {
	if id == 0 {
		return
	}
	o := s.objects[id]
	if o.marked {
		return
	}
	o.marked = true
	s.gray = append(s.gray, id)
}

func (s *Space) resetLocked() {
	s.gray = nil
	s.active = false
}

func (s *Space) lookupLocked(id ObjectID) *object {
	o, ok := s.objects[id]
	if !ok {
		panic(fmt.Sprintf("heap: object %d not allocated", id))
	}
	return o
}

func (s *Space) checkLocked(id ObjectID) {
	if id != 0 {
		s.lookupLocked(id)
	}
}
