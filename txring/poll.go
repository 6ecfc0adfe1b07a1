// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"context"

	"github.com/oss-vif/vifdrv/bufferpool"
	"github.com/oss-vif/vifdrv/fragment"
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/packet"
)

// Poll implements spec §4.4.6 from the caller's side: it takes the fused
// lock (blocking, since it must actually run rather than be skipped when
// busy) and runs a full drain/schedule/push pass. In practice every path
// that holds the lock drains responses as part of runLockedThenRelease;
// Poll exists so the event-channel upcall handler has an explicit entry
// point that does not also need a fresh batch of packets to submit.
func (r *Ring) Poll(ctx context.Context) error {
	return r.withLockBlocking(ctx, func() {})
}

// drainResponsesLocked consumes every response currently published on the
// shared ring, translating each into a Fragment release and a packet
// completion once a packet's last outstanding fragment responds.
func (r *Ring) drainResponsesLocked() {
	avail := r.front.ResponsesAvailable()
	if avail == 0 {
		return
	}
	for i := uint32(0); i < avail; i++ {
		idx := r.front.RspCons
		resp := wire.DecodeResponse(r.front.Shared.Slot(idx))
		r.front.RspCons++
		r.Counters.ResponsesProcessed.Add(1)
		if resp.Status == wire.StatusNull {
			// spec §4.4.6 step 2: a NULL status is an extra-info
			// continuation slot, not a fragment response; its id field is
			// meaningless and must not be looked up.
			continue
		}
		r.completeFragmentLocked(resp.ID, translateStatus(resp.Status))
	}
	r.front.SetRspEvent(r.front.RspCons + 1)
}

func translateStatus(s wire.Status) packet.Status {
	switch s {
	case wire.StatusOkay:
		return packet.StatusOK
	case wire.StatusDropped:
		return packet.StatusDropped
	default:
		return packet.StatusError
	}
}

// completeFragmentLocked releases the Fragment (and any Buffer/grant it
// holds) identified by a response id, then decrements the owning packet's
// Outstanding count, completing the packet once it reaches zero (spec
// §4.4.6 step 2).
func (r *Ring) completeFragmentLocked(id uint16, status packet.Status) {
	frag := r.pending[id]
	if frag == nil {
		r.logf("response for id %d with no pending fragment (stale or duplicate)", id)
		return
	}
	r.pending[id] = nil

	var pkt *packet.Packet
	switch frag.Type {
	case fragment.KindPacket:
		pkt, _ = frag.Context.(*packet.Packet)
	case fragment.KindBuffer:
		if b, ok := frag.Context.(*bufferpool.Buffer); ok {
			pkt, _ = b.Context.(*packet.Packet)
		}
	case fragment.KindMulticastControl:
		// Synthesised control request: no caller packet to complete.
	}

	if frag.Grant != nil {
		frag.Grant.Revoke()
		frag.Grant = nil
	}
	if frag.Type == fragment.KindBuffer {
		if b, ok := frag.Context.(*bufferpool.Buffer); ok {
			r.bufs.Free(b)
		}
	}
	r.frags.Free(frag)

	if pkt == nil {
		return
	}
	pkt.Completion.SetStatus(status)
	pkt.Outstanding--
	if pkt.Outstanding <= 0 {
		r.completePacket(pkt)
	}
}

// FakeResponses implements spec §4.4.7: once the backend is known gone,
// synthesise a dropped response for every still-outstanding fragment,
// unwind whatever packet was mid-Prepare/Post, drop the queues, and
// reinitialise the ring so a subsequent reconnect starts clean.
func (r *Ring) FakeResponses(ctx context.Context) error {
	return r.withLockBlocking(ctx, func() {
		for id := uint16(1); id <= MaxFragmentID; id++ {
			if r.pending[id] != nil {
				r.Counters.PacketsFaked.Add(1)
				r.completeFragmentLocked(id, packet.StatusDropped)
			}
		}
		if r.state != nil {
			st := r.state
			r.state = nil
			if st.pkt != nil {
				r.unwind(st.fragments, st.pkt, st.origSend)
				st.pkt.Completion.SetStatus(packet.StatusDropped)
				r.completePacket(st.pkt)
			} else {
				for _, f := range st.fragments {
					if f.Grant != nil {
						f.Grant.Revoke()
					}
					r.frags.Free(f)
				}
			}
		}
		for _, pkt := range r.packetQueue {
			pkt.Completion.SetStatus(packet.StatusDropped)
			r.completePacket(pkt)
		}
		r.packetQueue = nil
		r.requestQueue = nil
		r.pendingPush = 0
		r.front.Reinit()
	})
}
