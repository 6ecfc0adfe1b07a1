// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"context"

	"github.com/oss-vif/vifdrv/bufferpool"
	"github.com/oss-vif/vifdrv/internal/headers"
	"github.com/oss-vif/vifdrv/internal/offload"
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
	"github.com/oss-vif/vifdrv/stats"
)

// Poll drains every response currently published on the shared ring,
// assembles a caller-facing Packet for each one, validates checksums when
// the backend asked us to (RxFlagCsumBlank) rather than trust
// RxFlagDataValidated, and, unless Disable has stopped the ring, refills
// it before returning (spec §4.4.6,
// mirrored for rx; there is no separate "Schedule" phase since refill is
// the entire rx producer side).
func (r *Ring) Poll(ctx context.Context) error {
	r.mu.Lock()
	r.drainResponsesLocked()
	if !r.stopped {
		r.refillLocked()
	}
	r.mu.Unlock()
	return ctx.Err()
}

func (r *Ring) drainResponsesLocked() {
	avail := r.front.ResponsesAvailable()
	if avail == 0 {
		return
	}
	for i := uint32(0); i < avail; i++ {
		idx := r.front.RspCons
		resp := wire.DecodeRxResponse(r.front.Shared.Slot(idx))
		r.front.RspCons++
		r.Counters.ResponsesProcessed.Add(1)
		r.completeResponseLocked(resp)
	}
	r.front.SetRspEvent(r.front.RspCons + 1)
}

// completeResponseLocked resolves one rx response to its offered buffer,
// builds the received Packet (or drops it on a bad checksum or backend
// error status), and returns the buffer's id to the allocator.
func (r *Ring) completeResponseLocked(resp wire.RxResponse) {
	pb := r.pending[resp.ID]
	if pb == nil {
		r.logf("response for id %d with no pending buffer (stale or duplicate)", resp.ID)
		return
	}
	delete(r.pending, resp.ID)
	buf := pb.buf

	defer func() {
		if buf.Grant != nil {
			buf.Grant.Revoke()
			buf.Grant = nil
		}
		r.bufs.Free(buf)
		r.ids.put(resp.ID)
	}()

	if resp.Status < 0 {
		r.Counters.PacketsDropped.Add(1)
		if resp.Status == wire.StatusError {
			r.stats.Add(stats.Receiver, stats.BackendErrors, 1)
		} else {
			r.stats.Add(stats.Receiver, stats.PacketsDropped, 1)
		}
		return
	}

	length := int(resp.Status)
	offset := int(resp.Offset)
	if offset < 0 || length < 0 || offset+length > bufferpool.PageSize {
		r.logf("response for id %d has out-of-range offset=%d length=%d", resp.ID, offset, length)
		r.Counters.PacketsDropped.Add(1)
		r.stats.Add(stats.Receiver, stats.FrontendErrors, 1)
		return
	}
	frame := append([]byte(nil), buf.Data[offset:offset+length]...)

	if r.cfg.RXCsumOffload && resp.Flags&wire.RxFlagCsumBlank != 0 {
		if !r.validateChecksum(frame) {
			r.Counters.PacketsDropped.Add(1)
			r.stats.Add(stats.Receiver, stats.FrontendErrors, 1)
			return
		}
	}

	r.Counters.PacketsReceived.Add(1)
	r.deliverFrame(frame)
}

func (r *Ring) validateChecksum(frame []byte) bool {
	info, err := headers.Parse(frame)
	if err != nil {
		return false
	}
	if info.IPVersion == 4 && !offload.ValidateIPv4HeaderChecksum(frame, info.IPOffset, info.IPHeaderLen) {
		return false
	}
	if info.IPProto == headers.ProtoTCP || info.IPProto == headers.ProtoUDP {
		if !offload.ValidateL4Checksum(frame, info) {
			return false
		}
	}
	return true
}

// deliverFrame routes a validated frame either through GRO coalescing or
// straight to the caller, depending on Config.GROEnabled.
func (r *Ring) deliverFrame(frame []byte) {
	if r.gro != nil {
		r.gro.enqueue(frame)
		return
	}
	r.deliverAssembled(frame)
}

// deliverCoalesced builds a Packet from a GRO-flushed flow. gvisor's GRO
// operates above the link layer, so the bytes it hands back on flush are
// the network-layer packet with no Ethernet header; gratuitous-ARP/NA
// style L2 destination classification does not apply here, so these are
// reported as Unicast (GRO only ever coalesces unicast TCP flows).
func (r *Ring) deliverCoalesced(frame []byte) {
	r.stats.Add(stats.Receiver, stats.UnicastPackets, 1)
	r.stats.Add(stats.Receiver, stats.UnicastOctets, uint64(len(frame)))
	r.Deliver(&packet.Packet{
		Bytes:    frame,
		TotalLen: len(frame),
		Completion: packet.CompletionInfo{
			Type:          mac.Unicast,
			Status:        packet.StatusOK,
			PacketLength:  len(frame),
			PayloadLength: len(frame),
		},
	})
}

// deliverAssembled builds the final caller-facing Packet and invokes
// Deliver. Called only for non-GRO delivery; frames that go through GRO
// are delivered by deliverCoalesced instead.
func (r *Ring) deliverAssembled(frame []byte) {
	dst := mac.Address{}
	if len(frame) >= 6 {
		copy(dst[:], frame[0:6])
	}
	pkt := &packet.Packet{
		Bytes:    frame,
		TotalLen: len(frame),
		Completion: packet.CompletionInfo{
			Type:          dst.Kind(),
			Status:        packet.StatusOK,
			PacketLength:  len(frame),
			PayloadLength: len(frame),
		},
	}
	switch pkt.Completion.Type {
	case mac.Unicast:
		r.stats.Add(stats.Receiver, stats.UnicastPackets, 1)
		r.stats.Add(stats.Receiver, stats.UnicastOctets, uint64(len(frame)))
	case mac.Multicast:
		r.stats.Add(stats.Receiver, stats.MulticastPackets, 1)
		r.stats.Add(stats.Receiver, stats.MulticastOctets, uint64(len(frame)))
	case mac.Broadcast:
		r.stats.Add(stats.Receiver, stats.BroadcastPackets, 1)
		r.stats.Add(stats.Receiver, stats.BroadcastOctets, uint64(len(frame)))
	}
	r.Deliver(pkt)
}
