// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"fmt"

	"github.com/oss-vif/vifdrv/bufferpool"
	"github.com/oss-vif/vifdrv/fragment"
	"github.com/oss-vif/vifdrv/internal/headers"
	"github.com/oss-vif/vifdrv/internal/offload"
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/internal/xerr"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
)

const ethernetMinFrame = 60

// prepareResult is the outcome of a successful Prepare: the fragment list
// to post (header fragment first) plus an optional extra-info slot.
type prepareResult struct {
	fragments []*fragment.Fragment
	extra     *fragmentExtra
	// wireSize is the Size field Post writes into the first fragment's
	// Request: the full declared length of whatever this prepare pass
	// produced (a packet's wire length, or 0 for a control request that
	// carries no payload).
	wireSize int
}

// prepare implements spec.md §4.4.3: header copy/parse, VLAN insertion,
// LSO fix-up, MTU check, IPv4 checksum, and grant-or-copy payload
// placement. pkt.Bytes is never mutated; all header rewriting happens in
// the bounce Buffer that backs the first (header) fragment.
func (r *Ring) prepare(pkt *packet.Packet) (*prepareResult, error) {
	origSend := pkt.Send
	if r.cfg.NoCsumOffload {
		pkt.Send.Offload &^= packet.OffloadIPv4HeaderChecksum | packet.OffloadIPv4TCPChecksum | packet.OffloadIPv6TCPChecksum
	}
	if !r.cfg.GSOIPv4Enabled {
		pkt.Send.Offload &^= packet.OffloadLSOIPv4
	}
	if !r.cfg.GSOIPv6Enabled || !r.cfg.IPv6CsumOffload {
		pkt.Send.Offload &^= packet.OffloadLSOIPv6 | packet.OffloadIPv6TCPChecksum
	}

	var built []*fragment.Fragment
	failf := func(format string, args ...any) (*prepareResult, error) {
		r.unwind(built, pkt, origSend)
		return nil, fmt.Errorf(format, args...)
	}

	info0, err := headers.Parse(pkt.Bytes)
	if err != nil {
		return failf("prepare: parse headers: %w", err)
	}
	origHeaderLen := info0.TotalHeaderLen
	if origHeaderLen > len(pkt.Bytes) {
		origHeaderLen = len(pkt.Bytes)
	}
	payloadLen := pkt.TotalLen - origHeaderLen
	if payloadLen < 0 {
		payloadLen = 0
	}

	hdrBuf, ok := r.bufs.Alloc(pkt)
	if !ok {
		return failf("prepare: %w", xerr.OutOfResources)
	}
	hdrFrag, ok := r.frags.Alloc(fragment.KindBuffer, hdrBuf)
	if !ok {
		r.bufs.Free(hdrBuf)
		return failf("prepare: %w", xerr.OutOfResources)
	}
	built = append(built, hdrFrag)

	n := copy(hdrBuf.Data[:], pkt.Bytes[:origHeaderLen])
	hdrBuf.Len = n
	info := info0

	if pkt.Send.HasVLAN && pkt.Send.Offload.Has(packet.OffloadTagManipulation) {
		hdrBuf.Len = offload.InsertVLANTag(hdrBuf.Data[:], hdrBuf.Len, pkt.Send.VLANTag)
		info.IPOffset += 4
		info.L4Offset += 4
		info.TCPOffset += 4
		info.TCPChecksumOff += 4
		info.TotalHeaderLen += 4
	}
	wireTotalLen := pkt.TotalLen + (hdrBuf.Len - origHeaderLen)

	if info.IPProto == headers.ProtoTCP && (info.IPVersion == 4 || info.IPVersion == 6) {
		lso := (info.IPVersion == 4 && pkt.Send.Offload.Has(packet.OffloadLSOIPv4)) ||
			(info.IPVersion == 6 && pkt.Send.Offload.Has(packet.OffloadLSOIPv6))
		if lso {
			l3Len := wireTotalLen - info.IPOffset
			l4Len := wireTotalLen - info.L4Offset
			if info.IPVersion == 4 {
				offload.RewriteIPv4TotalLength(hdrBuf.Data[:], info.IPOffset, l3Len)
				pkt.Send.Offload |= packet.OffloadIPv4HeaderChecksum | packet.OffloadIPv4TCPChecksum
			} else {
				offload.RewriteIPv6PayloadLength(hdrBuf.Data[:], info.IPOffset, l3Len-40)
				pkt.Send.Offload |= packet.OffloadIPv6TCPChecksum
			}
			offload.RecomputeTCPPseudoChecksum(hdrBuf.Data[:], info, l4Len)
			if int(pkt.Send.MSS) == payloadLen {
				if info.IPVersion == 4 {
					pkt.Send.Offload &^= packet.OffloadLSOIPv4
				} else {
					pkt.Send.Offload &^= packet.OffloadLSOIPv6
				}
			}
		}
	}

	lsoSet := pkt.Send.Offload.Has(packet.OffloadLSOIPv4) || pkt.Send.Offload.Has(packet.OffloadLSOIPv6)
	if !lsoSet && wireTotalLen-headers.EthernetHeaderLen > int(r.cfg.MTU) {
		return failf("prepare: %w", xerr.PacketTooLarge)
	}

	if info.IPVersion == 4 && pkt.Send.Offload.Has(packet.OffloadIPv4HeaderChecksum) && !pkt.Send.Offload.Has(packet.OffloadLSOIPv4) {
		offload.RecomputeIPv4HeaderChecksum(hdrBuf.Data[:], info.IPOffset, info.IPHeaderLen+info.IPOptionsLen)
	}

	runt := wireTotalLen < ethernetMinFrame
	policy := r.cfg.Placement
	if runt && policy != PolicyCopy {
		policy = PolicyCopy
	}

	payload := payloadSlice(pkt, origHeaderLen, payloadLen)

	var payloadFrags []*fragment.Fragment
	if policy != PolicyCopy {
		payloadFrags, err = r.grantPayload(pkt, payload)
		if err != nil {
			if policy == PolicyGrant {
				return failf("prepare: %w", err)
			}
			// PolicyGrantElseCopy: fall through to copy, discarding
			// whatever grant fragments were partially built.
			for _, f := range payloadFrags {
				if f.Grant != nil {
					f.Grant.Revoke()
				}
				r.frags.Free(f)
			}
			payloadFrags = nil
			policy = PolicyCopy
		} else {
			r.Counters.PacketsGranted.Add(1)
		}
	}
	if policy == PolicyCopy {
		payloadFrags, err = r.copyPayload(pkt, payload)
		if err != nil {
			return failf("prepare: %w", err)
		}
		r.Counters.PacketsCopied.Add(1)
	}
	built = append(built, payloadFrags...)

	if runt {
		total := hdrBuf.Len
		for _, f := range payloadFrags {
			total += int(f.Length)
		}
		pad := ethernetMinFrame - total
		if pad > 0 {
			if len(payloadFrags) > 0 {
				last := payloadFrags[len(payloadFrags)-1]
				b := last.Context.(*bufferpool.Buffer)
				for i := b.Len; i < b.Len+pad; i++ {
					b.Data[i] = 0
				}
				b.Len += pad
				last.Length += uint16(pad)
			} else {
				hdrBuf.Len = offload.PadRunt(hdrBuf.Data[:], hdrBuf.Len)
				hdrFrag.Length += uint16(pad)
			}
			wireTotalLen = total + pad
		}
	}

	hdrFrag.Offset = 0
	hdrFrag.Length = uint16(hdrBuf.Len)

	var extra *fragmentExtra
	if lsoSet {
		segType := wire.GSOTCPv4
		if pkt.Send.Offload.Has(packet.OffloadLSOIPv6) {
			segType = wire.GSOTCPv6
		}
		extra = &fragmentExtra{
			kind:    wire.ExtraGSO,
			payload: wire.EncodeGSOPayload(wire.GSOPayload{SegType: segType, Size: pkt.Send.MSS}),
		}
		hdrFrag.Extra = true
	}

	all := append([]*fragment.Fragment{hdrFrag}, payloadFrags...)

	dstMAC := mac.Address{}
	copy(dstMAC[:], pkt.Bytes[0:6])
	pkt.Completion = packet.CompletionInfo{
		Type:          dstMAC.Kind(),
		Status:        packet.StatusPending,
		PacketLength:  wireTotalLen,
		PayloadLength: payloadLen,
	}
	pkt.Outstanding = len(all)
	r.Counters.PacketsPrepared.Add(1)

	return &prepareResult{fragments: all, extra: extra, wireSize: wireTotalLen}, nil
}

func payloadSlice(pkt *packet.Packet, headerLen, payloadLen int) []byte {
	end := headerLen + payloadLen
	if end > len(pkt.Bytes) {
		end = len(pkt.Bytes)
	}
	if headerLen > end {
		return nil
	}
	return pkt.Bytes[headerLen:end]
}

// grantPayload walks payload and grants one page per PAGE_SIZE-aligned
// slice (spec §4.4.3 step 6, Grant policy).
func (r *Ring) grantPayload(pkt *packet.Packet, payload []byte) ([]*fragment.Fragment, error) {
	var frags []*fragment.Fragment
	off := 0
	for off < len(payload) {
		n := bufferpool.PageSize
		if rem := len(payload) - off; rem < n {
			n = rem
		}
		f, ok := r.frags.Alloc(fragment.KindPacket, pkt)
		if !ok {
			return frags, fmt.Errorf("grant payload: %w", xerr.OutOfResources)
		}
		gref, err := r.grants.PermitForeignAccess(payload[off:off+n], true)
		if err != nil {
			r.frags.Free(f)
			return frags, fmt.Errorf("grant payload: %w", err)
		}
		f.Grant = gref
		f.Offset = 0
		f.Length = uint16(n)
		frags = append(frags, f)
		off += n
		if len(frags)+1 > NrSlotsMin {
			for _, pf := range frags {
				pf.Grant.Revoke()
				r.frags.Free(pf)
			}
			return nil, xerr.PayloadTooFragmented
		}
	}
	return frags, nil
}

// copyPayload bounce-copies payload into fresh page-sized Buffers (spec
// §4.4.3 step 6, Copy policy).
func (r *Ring) copyPayload(pkt *packet.Packet, payload []byte) ([]*fragment.Fragment, error) {
	var frags []*fragment.Fragment
	off := 0
	for off < len(payload) {
		n := bufferpool.PageSize
		if rem := len(payload) - off; rem < n {
			n = rem
		}
		b, ok := r.bufs.Alloc(pkt)
		if !ok {
			return frags, fmt.Errorf("copy payload: %w", xerr.OutOfResources)
		}
		b.Len = copy(b.Data[:], payload[off:off+n])
		f, ok := r.frags.Alloc(fragment.KindBuffer, b)
		if !ok {
			r.bufs.Free(b)
			return frags, fmt.Errorf("copy payload: %w", xerr.OutOfResources)
		}
		gref, err := r.grants.PermitForeignAccess(b.Data[:b.Len], true)
		if err != nil {
			r.frags.Free(f)
			r.bufs.Free(b)
			return frags, fmt.Errorf("copy payload: %w", err)
		}
		f.Grant = gref
		f.Offset = 0
		f.Length = uint16(b.Len)
		frags = append(frags, f)
		off += n
	}
	return frags, nil
}

// unwind reverses a partially built fragment list on Prepare failure
// (spec §4.4.3 step 7): revoke grants, return buffers/fragments, restore
// the packet's Send field, never touching pkt.Bytes (caller-owned).
func (r *Ring) unwind(built []*fragment.Fragment, pkt *packet.Packet, origSend packet.SendInfo) {
	for _, f := range built {
		if f.Grant != nil {
			f.Grant.Revoke()
		}
		if f.Type == fragment.KindBuffer {
			if b, ok := f.Context.(*bufferpool.Buffer); ok {
				r.bufs.Free(b)
			}
		}
		r.frags.Free(f)
	}
	pkt.Send = origSend
}
