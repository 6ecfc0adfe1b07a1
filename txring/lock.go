// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"context"
	"sync/atomic"

	"github.com/oss-vif/vifdrv/packet"
)

// node is one producer's batch of packets spliced onto the fused lock's
// LIFO stash (spec §4.4.1).
type node struct {
	pkts []*packet.Packet
	next *node
}

// fusedLock is the Go rendering of the source's pointer-aliasing trick
// described in spec.md §4.4.1 and discussed in the Design Notes: "model
// this as a single atomic word with two views... A two-queue design (MPMC
// input queue + single-consumer drain) is an acceptable reimplementation
// and removes the low-bit aliasing." head is the MPMC input side (a
// Treiber stack); token is a 1-slot channel standing in for the mutex bit,
// giving both a non-blocking TryAcquire (for producers) and a blocking
// Acquire (for Poll/Disable/the watchdog) over the same exclusion zone.
type fusedLock struct {
	head  atomic.Pointer[node]
	token chan struct{}
}

func newFusedLock() *fusedLock {
	fl := &fusedLock{token: make(chan struct{}, 1)}
	fl.token <- struct{}{}
	return fl
}

// push splices n onto the LIFO stash. Never blocks, never contends beyond
// a CAS retry loop (spec §4.4.1: "Producers compare-and-swap their list
// onto the head").
func (fl *fusedLock) push(n *node) {
	for {
		old := fl.head.Load()
		n.next = old
		if fl.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// popAll atomically empties the stash, returning whatever was queued
// (newest batch first; caller reverses to submission order).
func (fl *fusedLock) popAll() *node {
	return fl.head.Swap(nil)
}

// tryAcquire is TryAcquireLock from spec §4.4.1.
func (fl *fusedLock) tryAcquire() bool {
	select {
	case <-fl.token:
		return true
	default:
		return false
	}
}

// acquire blocks until the lock is free or ctx is done (used by Poll,
// Disable, and the watchdog, which spec §4.1/§4.4.8 describe as running
// "under the per-ring mutex").
func (fl *fusedLock) acquire(ctx context.Context) error {
	select {
	case <-fl.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fl *fusedLock) release() {
	fl.token <- struct{}{}
}

// reverseToFIFO flattens the LIFO batch list into submission order: the
// oldest-pushed node first, and within a node the original slice order
// (spec Testable Property 7).
func reverseToFIFO(head *node) []*packet.Packet {
	if head == nil {
		return nil
	}
	var nodes []*node
	for n := head; n != nil; n = n.next {
		nodes = append(nodes, n)
	}
	var out []*packet.Packet
	for i := len(nodes) - 1; i >= 0; i-- {
		out = append(out, nodes[i].pkts...)
	}
	return out
}
