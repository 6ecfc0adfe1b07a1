// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package bufferpool implements BufferPool (spec.md §3): a pool of
// reusable page-sized bounce buffers, each able to carry one attached
// grant entry. Buffers back prepared packet headers (always) and payload
// bounce-copies (when the grant placement policy falls back to copy).
package bufferpool

import (
	"fmt"
	"sync"

	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/wire"
)

const PageSize = wire.PageSize

// Buffer is a singly-owned page-sized bounce buffer (spec §3). Reference
// is 0 or 1: only one Fragment may reference a Buffer at a time.
type Buffer struct {
	Data      [PageSize]byte
	Len       int
	Grant     *grant.Ref
	Reference int32
	Context   any // owning Packet

	pool *Pool
}

// Page returns the portion of Data currently in use.
func (b *Buffer) Page() []byte { return b.Data[:b.Len] }

// Pool is a bounded, reusable set of Buffers, protected by a single mutex
// shared across every caller — mirroring spec §5's "packet cache is
// protected by a single dispatch-level spin-lock shared across all rings".
type Pool struct {
	mu   sync.Mutex
	free []*Buffer
	made int
	max  int
}

func New(max int) *Pool {
	return &Pool{max: max}
}

// Alloc returns a zero-length Buffer ready to be filled, or ok=false if
// the pool is exhausted (surfaced as xerr.OutOfResources by callers).
func (p *Pool) Alloc(ctx any) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.made < p.max {
		b = &Buffer{pool: p}
		p.made++
	} else {
		return nil, false
	}
	b.Len = 0
	b.Grant = nil
	b.Reference = 1
	b.Context = ctx
	return b, true
}

// Free returns b to the pool. b must have Reference == 1 and its grant
// (if any) must already have been revoked by the caller.
func (p *Pool) Free(b *Buffer) {
	if b.pool != p {
		panic("bufferpool: Free called on a Buffer from a different Pool")
	}
	if b.Reference != 1 {
		panic(fmt.Sprintf("bufferpool: Free called with Reference=%d, want 1", b.Reference))
	}
	b.Reference = 0
	b.Grant = nil
	b.Context = nil
	b.Len = 0

	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// InUse returns the number of Buffers currently checked out, for tests and
// for the Disable-path drain invariant.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.made - len(p.free)
}
