// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"context"
	"testing"

	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/wire"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
	"github.com/oss-vif/vifdrv/stats"
)

type countingNotifier struct{ n int }

func (c *countingNotifier) Notify() { c.n++ }

func newTestRing(t *testing.T, cfg Config) (*Ring, *countingNotifier) {
	t.Helper()
	m := mac.New(mac.Address{0, 1, 2, 3, 4, 5}, 1500)
	notify := &countingNotifier{}
	r := New(0, cfg, m, grant.NewManager(1), notify, stats.NewSet(), xlog.Discard)
	return r, notify
}

// backendFillOne simulates the backend filling exactly one outstanding
// request: it reads the oldest not-yet-responded request, writes frame
// into the granted buffer directly (same address space in this test), and
// publishes a matching response.
func backendFillOne(t *testing.T, r *Ring, frame []byte) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	prod := r.front.Shared.RspProd.Load()
	idx := prod
	req := wire.DecodeRxRequest(r.front.Shared.Slot(idx))
	pb := r.pending[req.ID]
	if pb == nil {
		t.Fatalf("no pending buffer for request id %d", req.ID)
	}
	copy(pb.buf.Data[:], frame)
	wire.EncodeRxResponse(r.front.Shared.Slot(idx), wire.RxResponse{
		ID:     req.ID,
		Offset: 0,
		Flags:  0,
		Status: wire.Status(len(frame)),
	})
	r.front.Shared.RspProd.Store(prod + 1)
}

func ethernetFrame(dst mac.Address) []byte {
	frame := make([]byte, 64)
	copy(frame[0:6], dst[:])
	copy(frame[6:12], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	frame[12], frame[13] = 0x08, 0x00 // IPv4 ethertype
	return frame
}

func TestRefillPostsRequests(t *testing.T) {
	r, notify := newTestRing(t, Config{})
	r.Refill()
	if r.Counters.BuffersPosted.Load() == 0 {
		t.Fatal("expected buffers posted after Refill")
	}
	if notify.n == 0 {
		t.Fatal("expected a notify after posting requests")
	}
	if got := r.front.Outstanding(); got == 0 {
		t.Fatalf("expected outstanding requests, got %d", got)
	}
}

func TestPollDeliversUnicastFrame(t *testing.T) {
	r, _ := newTestRing(t, Config{})
	var delivered *packet.Packet
	r.Deliver = func(p *packet.Packet) { delivered = p }

	r.Refill()
	frame := ethernetFrame(r.mac.Current)
	backendFillOne(t, r, frame)

	if err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if delivered == nil {
		t.Fatal("expected a delivered packet")
	}
	if delivered.Completion.Type != mac.Unicast {
		t.Fatalf("expected Unicast completion, got %v", delivered.Completion.Type)
	}
	if delivered.TotalLen != len(frame) {
		t.Fatalf("TotalLen = %d, want %d", delivered.TotalLen, len(frame))
	}
	if r.Counters.PacketsReceived.Load() != 1 {
		t.Fatalf("PacketsReceived = %d, want 1", r.Counters.PacketsReceived.Load())
	}
}

func TestPollDropsNegativeStatus(t *testing.T) {
	r, _ := newTestRing(t, Config{})
	var delivered int
	r.Deliver = func(*packet.Packet) { delivered++ }

	r.Refill()
	r.mu.Lock()
	idx := r.front.Shared.RspProd.Load()
	req := wire.DecodeRxRequest(r.front.Shared.Slot(idx))
	wire.EncodeRxResponse(r.front.Shared.Slot(idx), wire.RxResponse{ID: req.ID, Status: wire.StatusDropped})
	r.front.Shared.RspProd.Store(idx + 1)
	r.mu.Unlock()

	if err := r.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no delivery for a dropped response, got %d", delivered)
	}
	if r.Counters.PacketsDropped.Load() != 1 {
		t.Fatalf("PacketsDropped = %d, want 1", r.Counters.PacketsDropped.Load())
	}
}

func TestDisableDrainsOutstandingBuffersViaFakeResponses(t *testing.T) {
	r, _ := newTestRing(t, Config{})
	r.Refill()
	if r.front.Outstanding() == 0 {
		t.Fatal("expected outstanding buffers before disable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Disable(ctx) }()

	if err := r.FakeResponses(context.Background()); err != nil && err != context.Canceled {
		t.Fatalf("FakeResponses: %v", err)
	}
	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Fatalf("Disable: %v", err)
	}
	if r.front.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0 after FakeResponses", r.front.Outstanding())
	}
	if r.grants.Outstanding() != 0 {
		t.Fatalf("grants.Outstanding() = %d, want 0 after FakeResponses", r.grants.Outstanding())
	}
}
