// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"github.com/oss-vif/vifdrv/internal/wire"
)

// refillLocked tops up the ring with fresh receive buffers until either the
// ring has no more room or the buffer pool is exhausted — the rx-side
// mirror of TxRing's Post (spec §4.4.4), except every request here carries
// an identical shape (an offered page, nothing to fragment) so there is no
// sub-state-machine: one buffer in, one request out, repeat.
func (r *Ring) refillLocked() {
	free := r.front.Capacity() - r.front.Outstanding()
	posted := uint32(0)
	for i := uint32(0); i < free; i++ {
		buf, ok := r.bufs.Alloc(nil)
		if !ok {
			break
		}
		id, ok := r.ids.pop()
		if !ok {
			r.bufs.Free(buf)
			break
		}
		gref, err := r.grants.PermitForeignAccess(buf.Data[:], false)
		if err != nil {
			r.ids.put(id)
			r.bufs.Free(buf)
			break
		}
		buf.Grant = gref

		idx := r.front.ReqProdPvt
		wire.EncodeRxRequest(r.front.Shared.Slot(idx), wire.RxRequest{ID: id, Gref: gref.ID()})
		r.front.ReqProdPvt++
		r.pending[id] = &pendingBuf{id: id, buf: buf}
		posted++
	}
	if posted == 0 {
		return
	}
	r.Counters.BuffersPosted.Add(uint64(posted))
	r.Counters.BuffersRefilled.Add(uint64(posted))
	if r.front.PushRequests() {
		r.notify.Notify()
	}
}

// Refill runs one refill pass under the ring's lock; callers invoke it
// after construction and after every Poll pass (mirroring how TxRing
// reschedules whenever room frees up).
func (r *Ring) Refill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.refillLocked()
}
