// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package addrmon

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
)

func TestMonitorPublishesAddressesOnStartup(t *testing.T) {
	st := store.NewMemory()
	src := NewStatic()
	src.Set([]netip.Addr{netip.MustParseAddr("192.0.2.1")}, []netip.Addr{netip.MustParseAddr("2001:db8::1")})
	m := mac.New(mac.Address{0, 1, 2, 3, 4, 5}, 1500)

	mon := New("eth0", st, m, src, xlog.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { mon.Run(ctx); close(done) }()

	waitForNode(t, st, "data/vif/eth0/ipv4/0/addr", "192.0.2.1")
	waitForNode(t, st, "data/vif/eth0/ipv6/0/addr", "2001:db8::1")

	cancel()
	<-done
}

func TestMonitorRefreshesOnSourceChange(t *testing.T) {
	st := store.NewMemory()
	src := NewStatic()
	src.Set([]netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil)
	m := mac.New(mac.Address{0, 1, 2, 3, 4, 5}, 1500)
	mon := New("eth0", st, m, src, xlog.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { mon.Run(ctx); close(done) }()

	waitForNode(t, st, "data/vif/eth0/ipv4/0/addr", "192.0.2.1")

	src.Set([]netip.Addr{netip.MustParseAddr("192.0.2.2")}, nil)
	waitForNode(t, st, "data/vif/eth0/ipv4/0/addr", "192.0.2.2")

	cancel()
	<-done
}

func TestDedupePreservesInsertionOrder(t *testing.T) {
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	got := dedupe([]netip.Addr{a, b, a, b, a})
	want := []netip.Addr{a, b}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(x, y netip.Addr) bool { return x == y })); diff != "" {
		t.Fatalf("dedupe mismatch (-want +got):\n%s", diff)
	}
}

func waitForNode(t *testing.T, st *store.Memory, path, want string) {
	t.Helper()
	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if v, err := st.Read(context.Background(), path); err == nil && v == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s = %s", path, want)
}
