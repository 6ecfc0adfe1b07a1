// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"context"
	"hash/fnv"
	"net/netip"

	"github.com/oss-vif/vifdrv/packet"
)

// Transmitter fans a send-side workload out across the frontend's queues
// (spec §4.4.2), partitioning packets by destination address so a single
// flow's packets stay ordered on one ring while different flows spread
// across queues.
type Transmitter struct {
	Rings []*Ring
}

// NewTransmitter wraps an already-constructed set of per-queue Rings.
func NewTransmitter(rings []*Ring) *Transmitter {
	return &Transmitter{Rings: rings}
}

// Send partitions pkts by a hash of their Ethernet destination address and
// queues each partition onto its ring.
func (t *Transmitter) Send(pkts []*packet.Packet) {
	if len(t.Rings) == 1 {
		t.Rings[0].QueuePackets(pkts)
		return
	}
	byRing := make([][]*packet.Packet, len(t.Rings))
	for _, pkt := range pkts {
		idx := 0
		if len(pkt.Bytes) >= 6 {
			h := fnv.New32a()
			h.Write(pkt.Bytes[0:6])
			idx = int(h.Sum32()) % len(t.Rings)
		}
		byRing[idx] = append(byRing[idx], pkt)
	}
	for i, batch := range byRing {
		if len(batch) > 0 {
			t.Rings[i].QueuePackets(batch)
		}
	}
}

// QueueArp/QueueNeighbourAdvertisement/QueueMulticastControl always go out
// on queue 0: they are link-wide announcements, not per-flow traffic, so
// there is no partitioning decision to make.
func (t *Transmitter) QueueArp(addr netip.Addr) { t.Rings[0].QueueArp(addr) }
func (t *Transmitter) QueueNeighbourAdvertisement(addr netip.Addr) {
	t.Rings[0].QueueNeighbourAdvertisement(addr)
}
func (t *Transmitter) QueueMulticastControl(mc packet.MulticastControl) {
	t.Rings[0].QueueMulticastControl(mc)
}

// UpdateAddressTable is called by AddressMonitor (spec §4.2) whenever the
// host's unicast address set changes: it announces every current address
// to the network so switches/neighbours update their forwarding tables,
// the same way a NIC driver re-announces on a link-address change.
func (t *Transmitter) UpdateAddressTable(ipv4, ipv6 []netip.Addr) {
	for _, a := range ipv4 {
		t.QueueArp(a)
	}
	for _, a := range ipv6 {
		t.QueueNeighbourAdvertisement(a)
	}
}

// Disable stops and drains every queue (spec §4.1 disconnect path).
func (t *Transmitter) Disable(ctx context.Context) error {
	for _, r := range t.Rings {
		if err := r.Disable(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Enable resumes every queue after a reconnect.
func (t *Transmitter) Enable() {
	for _, r := range t.Rings {
		r.Enable()
	}
}

// FakeResponses drives the backend-gone recovery path (spec §4.4.7) on
// every queue.
func (t *Transmitter) FakeResponses(ctx context.Context) error {
	for _, r := range t.Rings {
		if err := r.FakeResponses(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Watchdog starts every queue's watchdog goroutine; callers run it with
// `go t.Watchdog(ctx)`.
func (t *Transmitter) Watchdog(ctx context.Context) {
	done := make(chan struct{}, len(t.Rings))
	for _, r := range t.Rings {
		r := r
		go func() {
			r.Watchdog(ctx)
			done <- struct{}{}
		}()
	}
	for range t.Rings {
		<-done
	}
}
