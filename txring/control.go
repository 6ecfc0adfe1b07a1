// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/oss-vif/vifdrv/fragment"
	"github.com/oss-vif/vifdrv/internal/offload"
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/internal/xerr"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
)

// QueueArp enqueues a gratuitous ARP announcement for addr; the
// Transmitter queues one for each IPv4 address on an address-table update
// (spec §4.4.9, AddressMonitor's collaborator).
func (r *Ring) QueueArp(addr netip.Addr) {
	r.queueRequest(&packet.Request{Kind: packet.RequestARPGratuitous, Address: addr})
}

// QueueNeighbourAdvertisement enqueues an unsolicited IPv6 Neighbor
// Advertisement for addr.
func (r *Ring) QueueNeighbourAdvertisement(addr netip.Addr) {
	r.queueRequest(&packet.Request{Kind: packet.RequestNeighbourAdvertisement, Address: addr})
}

// QueueMulticastControl enqueues a multicast-membership add/remove,
// delivered to the backend as a standalone extra-info slot (spec §4.4.9).
func (r *Ring) QueueMulticastControl(mc packet.MulticastControl) {
	r.queueRequest(&packet.Request{Kind: packet.RequestMulticastControl, Multicast: mc})
}

// queueRequest appends req to requestQueue under the fused lock. Control
// requests are rare enough (address changes, multicast membership edits)
// that they skip the LIFO lock-free fast path QueuePackets uses and just
// take a blocking acquire.
func (r *Ring) queueRequest(req *packet.Request) {
	r.withLockBlocking(context.Background(), func() {
		r.requestQueue = append(r.requestQueue, req)
	})
}

func (r *Ring) prepareControlLocked(req *packet.Request) (*prepareResult, error) {
	switch req.Kind {
	case packet.RequestARPGratuitous:
		frame, err := buildGratuitousARP(r.mac, req.Address)
		if err != nil {
			return nil, err
		}
		return r.prepareSyntheticFrame(frame)
	case packet.RequestNeighbourAdvertisement:
		frame, err := buildNeighbourAdvertisement(r.mac, req.Address)
		if err != nil {
			return nil, err
		}
		return r.prepareSyntheticFrame(frame)
	case packet.RequestMulticastControl:
		if !r.cfg.MulticastControl {
			return nil, fmt.Errorf("txring: multicast control: %w", xerr.FeatureMissing)
		}
		return r.prepareMulticastControl(req.Multicast)
	default:
		return nil, fmt.Errorf("txring: unknown control request kind %d", req.Kind)
	}
}

// prepareSyntheticFrame posts a small driver-synthesised Ethernet frame
// (ARP/NA) as a single granted bounce-buffer fragment: no payload
// placement, no offload fix-up, since these frames are built small enough
// to never need segmentation.
func (r *Ring) prepareSyntheticFrame(frame []byte) (*prepareResult, error) {
	b, ok := r.bufs.Alloc(nil)
	if !ok {
		return nil, xerr.OutOfResources
	}
	b.Len = copy(b.Data[:], frame)
	f, ok := r.frags.Alloc(fragment.KindBuffer, b)
	if !ok {
		r.bufs.Free(b)
		return nil, xerr.OutOfResources
	}
	gref, err := r.grants.PermitForeignAccess(b.Data[:b.Len], true)
	if err != nil {
		r.frags.Free(f)
		r.bufs.Free(b)
		return nil, err
	}
	f.Grant = gref
	f.Offset = 0
	f.Length = uint16(b.Len)
	return &prepareResult{fragments: []*fragment.Fragment{f}, wireSize: b.Len}, nil
}

// prepareMulticastControl builds the dummy zero-length request carrying
// only an ExtraMcastAdd/ExtraMcastDel continuation slot (spec §3: a
// MulticastControl has no packet body of its own).
func (r *Ring) prepareMulticastControl(mc packet.MulticastControl) (*prepareResult, error) {
	f, ok := r.frags.Alloc(fragment.KindMulticastControl, mc)
	if !ok {
		return nil, xerr.OutOfResources
	}
	f.Offset = 0
	f.Length = 0

	kind := wire.ExtraMcastAdd
	if mc.Action == packet.MulticastRemove {
		kind = wire.ExtraMcastDel
	}
	extra := &fragmentExtra{
		kind:    kind,
		payload: wire.EncodeMulticastPayload(wire.MulticastPayload{Addr: mc.Address}),
	}
	return &prepareResult{fragments: []*fragment.Fragment{f}, extra: extra, wireSize: 0}, nil
}

// buildGratuitousARP constructs a standard gratuitous-ARP announcement
// frame: a broadcast ARP request/reply hybrid where sender and target
// protocol addresses are both addr.
func buildGratuitousARP(m *mac.Mac, addr netip.Addr) ([]byte, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("txring: gratuitous ARP requires an IPv4 address, got %s", addr)
	}
	frame := make([]byte, 14+28)
	for i := range frame[0:6] {
		frame[i] = 0xff
	}
	copy(frame[6:12], m.Current[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // EthertypeARP

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // hardware type: Ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // protocol type: IPv4
	arp[4] = 6                                   // hardware address length
	arp[5] = 4                                   // protocol address length
	binary.BigEndian.PutUint16(arp[6:8], 1)      // opcode: request
	copy(arp[8:14], m.Current[:])
	copy(arp[14:18], addr.AsSlice())
	for i := range arp[18:24] {
		arp[18+i] = 0xff
	}
	copy(arp[24:28], addr.AsSlice())

	return frame, nil
}

// buildNeighbourAdvertisement constructs an unsolicited ICMPv6 Neighbor
// Advertisement (RFC 4861 §7.2.6) sent to the all-nodes multicast address,
// overriding any existing neighbour cache entry.
func buildNeighbourAdvertisement(m *mac.Mac, addr netip.Addr) ([]byte, error) {
	if !addr.Is6() {
		return nil, fmt.Errorf("txring: neighbour advertisement requires an IPv6 address, got %s", addr)
	}
	const icmpLen = 4 + 4 + 16 + 8 // type/code/csum+flags/reserved + target + option
	frame := make([]byte, 14+40+icmpLen)

	allNodes := netip.MustParseAddr("ff02::1")
	dstMAC := [6]byte{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], m.Current[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // EthertypeIPv6

	ip := frame[14:54]
	ip[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(ip[4:6], uint16(icmpLen))
	ip[6] = 58 // next header: ICMPv6
	ip[7] = 255
	copy(ip[8:24], addr.AsSlice())
	copy(ip[24:40], allNodes.AsSlice())

	icmp := frame[54:]
	icmp[0] = 136 // type: Neighbor Advertisement
	icmp[1] = 0   // code
	icmp[4] = 0x20 // override flag set, solicited/router clear
	copy(icmp[8:24], addr.AsSlice())
	icmp[24] = 2 // option type: target link-layer address
	icmp[25] = 1 // option length in units of 8 bytes
	copy(icmp[26:32], m.Current[:])

	offload.RecomputeICMPv6Checksum(frame, 14, 54, icmpLen)
	return frame, nil
}
