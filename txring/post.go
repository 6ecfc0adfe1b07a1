// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/packet"
)

// postLocked implements Post (spec §4.4.4): it emits one Request per
// fragment in r.state, plus an ExtraInfo slot right after the first
// request if one was built, provided the ring currently has enough free slots. It returns false
// (leaving r.state untouched) if posting would overrun the ring; the
// caller retries on a later schedule pass once responses free up room.
func (r *Ring) postLocked() bool {
	st := r.state
	need := uint32(len(st.fragments))
	if st.extra != nil {
		need++
	}
	free := r.front.Capacity() - r.front.Outstanding()
	if free < need {
		return false
	}

	for i, frag := range st.fragments {
		var gref uint32
		if frag.Grant != nil {
			gref = frag.Grant.ID()
		}

		flags := uint16(0)
		last := i == len(st.fragments)-1
		if !last {
			flags |= wire.FlagMoreData
		}
		if i == 0 && st.extra != nil {
			flags |= wire.FlagExtraInfo
		}
		if st.pkt != nil && csumOffloaded(st.pkt) {
			flags |= wire.FlagCsumBlank
		}

		size := uint16(frag.Length)
		if i == 0 {
			size = uint16(st.wireSize)
		}

		idx := r.front.ReqProdPvt
		wire.EncodeRequest(r.front.Shared.Slot(idx), wire.Request{
			ID:     frag.ID,
			Gref:   gref,
			Offset: frag.Offset,
			Flags:  flags,
			Size:   size,
		})
		r.front.ReqProdPvt++
		r.pending[frag.ID] = frag
		r.Counters.RequestsPosted.Add(1)

		if i == 0 && st.extra != nil {
			idx := r.front.ReqProdPvt
			wire.EncodeExtraInfo(r.front.Shared.Slot(idx), wire.ExtraInfo{
				Type:    st.extra.kind,
				Payload: st.extra.payload,
			})
			r.front.ReqProdPvt++
		}
	}

	r.pendingPush += need
	r.Counters.PacketsSent.Add(1)
	if r.pendingPush >= r.front.Capacity()/4 {
		r.pushLocked()
	}
	return true
}

// csumOffloaded reports whether the backend still owes this packet a
// checksum fill-in: true whenever any checksum-offload flag survived
// Prepare, meaning the frontend left (part of) the checksum for the
// backend to compute rather than finishing it itself.
func csumOffloaded(pkt *packet.Packet) bool {
	return pkt.Send.Offload.Has(packet.OffloadIPv4HeaderChecksum) ||
		pkt.Send.Offload.Has(packet.OffloadIPv4TCPChecksum) ||
		pkt.Send.Offload.Has(packet.OffloadIPv6TCPChecksum)
}

// flushPushLocked is called once at the end of every schedule pass
// (spec §4.4.5): whatever pendingPush accumulated since the last
// threshold-triggered push gets published before the lock is released, so
// a caller never holds posted-but-unpublished requests across a release.
func (r *Ring) flushPushLocked() {
	if r.pendingPush == 0 {
		return
	}
	r.pushLocked()
}

func (r *Ring) pushLocked() {
	notify := r.front.PushRequests()
	r.Counters.RequestsPushed.Add(uint64(r.pendingPush))
	r.pendingPush = 0
	if notify {
		r.notify.Notify()
	}
}
