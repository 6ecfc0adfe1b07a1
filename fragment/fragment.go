// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package fragment implements FragmentPool and Fragment (spec.md §3, §9):
// the bounded pool of reusable per-ring-slot descriptors identified by a
// 10-bit id drawn from a range-set, stable across the fragment's life and
// echoed back by the backend as a response id.
package fragment

import (
	"fmt"

	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/rangeset"
)

// Kind identifies what a Fragment's Context points to.
type Kind int

const (
	KindPacket Kind = iota
	KindBuffer
	KindMulticastControl
)

// Fragment is the internal unit pushed to the ring (spec §3).
type Fragment struct {
	ID      uint16
	Type    Kind
	Context any // owning Packet, Buffer, or MulticastControl
	Grant   *grant.Ref
	Offset  uint16
	Length  uint16
	Extra   bool // the next ring slot carries a netif_extra_info
}

func (f *Fragment) reset() {
	f.Type = KindPacket
	f.Context = nil
	f.Grant = nil
	f.Offset = 0
	f.Length = 0
	f.Extra = false
}

// Pool is a bounded, reusable set of Fragment descriptors, ids drawn from
// [1, maxID] (spec §9: "Drawn from a range-set [1..1023] at Fragment
// construction, returned at destruction").
type Pool struct {
	ids     *rangeset.Set
	storage []Fragment // indexed by id - lo
	lo      int
}

// New creates a Pool covering ids [1, maxID] inclusive (maxID is 1023 per
// spec's Pending[0..1023] table, leaving id 0 unused so the zero value of
// a Fragment pointer/id reliably means "no fragment").
func New(maxID int) *Pool {
	p := &Pool{ids: rangeset.New(1, maxID), lo: 1}
	p.storage = make([]Fragment, maxID-1+1)
	return p
}

// Alloc draws a fresh id and returns its Fragment descriptor, populated
// with kind and ctx. It returns (nil, false) if the pool is exhausted,
// which the caller surfaces as xerr.OutOfResources.
func (p *Pool) Alloc(kind Kind, ctx any) (*Fragment, bool) {
	id, ok := p.ids.Pop()
	if !ok {
		return nil, false
	}
	f := &p.storage[int(id)-p.lo]
	f.reset()
	f.ID = id
	f.Type = kind
	f.Context = ctx
	return f, true
}

// Free returns f's id to the pool. f must have been obtained from this
// Pool and must not be referenced again afterward.
func (p *Pool) Free(f *Fragment) {
	if int(f.ID)-p.lo < 0 || int(f.ID)-p.lo >= len(p.storage) || &p.storage[int(f.ID)-p.lo] != f {
		panic(fmt.Sprintf("fragment: Free called with foreign fragment id %d", f.ID))
	}
	p.ids.Put(f.ID)
	f.reset()
}

// ByID returns the Fragment for id, for the ring's Pending[] lookups. It
// does not check whether id is currently allocated; callers key it off
// their own Pending table liveness.
func (p *Pool) ByID(id uint16) *Fragment {
	i := int(id) - p.lo
	if i < 0 || i >= len(p.storage) {
		return nil
	}
	return &p.storage[i]
}

// InUse reports whether id is currently allocated (spec Testable Property
// 3: "the id was obtained via the range-set exactly once since last
// return").
func (p *Pool) InUse(id uint16) bool { return p.ids.InUse(id) }

// Cap returns the total number of fragment ids the pool can hand out.
func (p *Pool) Cap() int { return p.ids.Cap() }
