// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package rangeset implements the small integer id allocator used for
// fragment ids (spec §3, §9): a bounded range of ids handed out with Pop
// and returned with Put. The id is the ring request-slot identity echoed
// back by the backend, so it must be unique among outstanding fragments.
//
// RangeSet has no internal lock: it is built to be owned by a single
// caller that already serializes access (the transmit ring's fragment pool
// calls it under the ring's fused lock, per spec §5's "ctor/dtor with
// acquire/release-lock callbacks supplied by the caller").
package rangeset

import "fmt"

// Set tracks free ids in [Lo, Hi].
type Set struct {
	lo, hi int
	free   []uint16 // stack of free ids, LIFO reuse keeps hot ids warm
	taken  []bool   // indexed by id-lo, true if currently allocated
}

// New creates a Set covering the inclusive range [lo, hi].
func New(lo, hi int) *Set {
	if lo > hi {
		panic(fmt.Sprintf("rangeset: invalid range [%d,%d]", lo, hi))
	}
	s := &Set{lo: lo, hi: hi, taken: make([]bool, hi-lo+1)}
	s.free = make([]uint16, 0, hi-lo+1)
	for id := hi; id >= lo; id-- {
		s.free = append(s.free, uint16(id))
	}
	return s
}

// Pop removes and returns a free id. ok is false if the set is exhausted.
func (s *Set) Pop() (id uint16, ok bool) {
	if len(s.free) == 0 {
		return 0, false
	}
	n := len(s.free) - 1
	id = s.free[n]
	s.free = s.free[:n]
	s.taken[int(id)-s.lo] = true
	return id, true
}

// Put returns id to the free set. It panics if id is out of range or was
// not currently allocated, since that indicates a double-free in the
// caller's fragment bookkeeping.
func (s *Set) Put(id uint16) {
	i := int(id) - s.lo
	if i < 0 || i >= len(s.taken) {
		panic(fmt.Sprintf("rangeset: id %d out of range [%d,%d]", id, s.lo, s.hi))
	}
	if !s.taken[i] {
		panic(fmt.Sprintf("rangeset: double free of id %d", id))
	}
	s.taken[i] = false
	s.free = append(s.free, id)
}

// InUse reports whether id is currently allocated.
func (s *Set) InUse(id uint16) bool {
	i := int(id) - s.lo
	if i < 0 || i >= len(s.taken) {
		return false
	}
	return s.taken[i]
}

// Len returns the number of currently allocated ids.
func (s *Set) Len() int {
	return len(s.taken) - len(s.free)
}

// Cap returns the total number of ids the set can hand out.
func (s *Set) Cap() int {
	return s.hi - s.lo + 1
}
