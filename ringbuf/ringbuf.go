// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ringbuf implements RingBuffers (spec.md §3): a typed
// single-producer/single-consumer shared ring of fixed capacity with
// producer-private/consumer-private index pairs, a page of fixed-size
// slots, and per-side event thresholds that implement notify-on-threshold
// interrupt suppression.
//
// The real implementation (frontend.c/transmitter.c) separates shared
// memory indices with explicit wmb()/mb() calls because the two sides run
// in different hypervisor domains with no shared cache-coherent view
// otherwise enforced by the language. Go's sync/atomic operations give
// the same acquire/release ordering guarantee on a single word, so the
// four indices are atomic.Uint32s rather than plain fields with manual
// fences (see DESIGN.md).
package ringbuf

import (
	"sync/atomic"

	"github.com/oss-vif/vifdrv/internal/wire"
)

// SharedPage is the memory both sides of the ring see (spec §3
// "Shared"): producer/consumer indices for both directions, the
// notify-on-threshold event counters, and the slot array itself.
type SharedPage struct {
	ReqProd  atomic.Uint32
	ReqEvent atomic.Uint32
	RspProd  atomic.Uint32
	RspEvent atomic.Uint32

	Slots [wire.Capacity][wire.SlotSize]byte
}

func NewSharedPage() *SharedPage {
	sp := &SharedPage{}
	sp.ReqEvent.Store(1)
	sp.RspEvent.Store(1)
	return sp
}

// Slot returns the byte range for ring index i, wrapped to capacity.
func (sp *SharedPage) Slot(i uint32) []byte {
	return sp.Slots[i%wire.Capacity][:]
}

// Front is the producer-private or consumer-private half of the ring
// (spec §3 "Front"): which index a given side owns plus a pointer to the
// page both sides share.
type Front struct {
	ReqProdPvt uint32
	RspCons    uint32
	NrEnts     uint32
	Shared     *SharedPage
}

func NewFront(shared *SharedPage) *Front {
	return &Front{NrEnts: wire.Capacity, Shared: shared}
}

// Capacity returns the number of slots in the ring.
func (f *Front) Capacity() uint32 { return f.NrEnts }

// Outstanding returns req_prod_pvt - rsp_cons: requests posted but not yet
// responded to (spec invariant "Ring.Front.req_prod_pvt - rsp_cons <=
// capacity").
func (f *Front) Outstanding() uint32 {
	return f.ReqProdPvt - f.RspCons
}

// PushRequests publishes req_prod_pvt as the shared req_prod and reports
// whether the consumer's event threshold means a notify is required. This
// is the Go rendering of RING_PUSH_REQUESTS_AND_CHECK_NOTIFY.
func (f *Front) PushRequests() (notify bool) {
	old := f.Shared.ReqProd.Load()
	newProd := f.ReqProdPvt
	f.Shared.ReqProd.Store(newProd)
	event := f.Shared.ReqEvent.Load()
	return newProd-event < newProd-old
}

// ResponsesAvailable returns the number of unconsumed responses, reading
// rsp_prod with the acquire semantics atomic.Load provides (consumer must
// read rsp_prod after any fence the producer implies by its Store).
func (f *Front) ResponsesAvailable() uint32 {
	return f.Shared.RspProd.Load() - f.RspCons
}

// SetRspEvent publishes a new response-side notify threshold (spec
// §4.4.6 step 3).
func (f *Front) SetRspEvent(v uint32) {
	f.Shared.RspEvent.Store(v)
}

// Reinit abandons every outstanding request (spec §4.4.7: "(i)
// reinitialises the shared ring and sets rsp_prod = rsp_cons"), used by
// the fake-response recovery flow once the backend is known gone: every
// request between rsp_cons and req_prod_pvt has already been synthesised
// a fake response by the caller, so rsp_cons jumps up to meet
// req_prod_pvt and rsp_prod is reset to match, leaving Outstanding at
// zero and no stale responses for a future Poll to reprocess.
func (f *Front) Reinit() {
	f.RspCons = f.ReqProdPvt
	f.Shared.RspProd.Store(f.RspCons)
}
