// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import "github.com/oss-vif/vifdrv/internal/rangeset"

// idAllocator wraps rangeset.Set for the receive ring's id space: a
// Pending[1..maxRxID] table keyed by request id, the same construction
// fragment.Pool uses on the transmit side (spec §9), but independent of it
// since tx and rx ids are never compared against each other.
type idAllocator struct {
	set *rangeset.Set
}

func newIDAllocator(max int) *idAllocator {
	return &idAllocator{set: rangeset.New(1, max)}
}

func (a *idAllocator) pop() (uint16, bool) { return a.set.Pop() }
func (a *idAllocator) put(id uint16)       { a.set.Put(id) }
