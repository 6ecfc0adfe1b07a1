// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package addrmon implements AddressMonitor (spec.md §4.2): a single
// worker that reacts to host unicast-IP changes by re-announcing the VIF's
// current addresses to the network and publishing them to the store.
package addrmon

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/txring"
)

// Monitor is AddressMonitor.
type Monitor struct {
	name   string
	store  store.Interface
	mac    *mac.Mac
	source Source
	tx     *txring.Transmitter
	logf   xlog.Logf
}

// New constructs a Monitor. tx may be nil until the frontend reaches
// CONNECTED; Run tolerates that by skipping UpdateAddressTable while tx is
// nil (there is nothing listening yet).
func New(name string, st store.Interface, m *mac.Mac, src Source, logf xlog.Logf) *Monitor {
	return &Monitor{name: name, store: st, mac: m, source: src, logf: xlog.WithPrefix(logf, "addrmon: ")}
}

// SetTransmitter installs the Transmitter to announce address changes on;
// called once the frontend reaches CONNECTED.
func (a *Monitor) SetTransmitter(tx *txring.Transmitter) { a.tx = tx }

// Run watches the host address source until ctx is done, refreshing on
// every notification plus once immediately at startup.
func (a *Monitor) Run(ctx context.Context) {
	changed := make(chan struct{}, 1)
	cancel := a.source.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	a.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			a.refresh(ctx)
		}
	}
}

// refresh re-reads the interface table, updates the transmitter, and
// publishes the result; all errors are swallowed (spec §4.2: "next change
// restarts the work").
func (a *Monitor) refresh(ctx context.Context) {
	ipv4, ipv6, err := a.source.Addresses(a.mac.Permanent)
	if err != nil {
		a.logf("read addresses: %v", err)
		return
	}
	ipv4 = dedupe(ipv4)
	ipv6 = dedupe(ipv6)

	if a.tx != nil {
		a.tx.UpdateAddressTable(ipv4, ipv6)
	}

	prefix := "data/vif/" + a.name
	if err := a.store.Transaction(ctx, func(tx store.Tx) error {
		if err := removeSubtree(tx, prefix+"/ipv4"); err != nil {
			return err
		}
		if err := removeSubtree(tx, prefix+"/ipv6"); err != nil {
			return err
		}
		for i, addr := range ipv4 {
			if err := tx.Write(fmt.Sprintf("%s/ipv4/%d/addr", prefix, i), addr.String()); err != nil {
				return err
			}
		}
		for i, addr := range ipv6 {
			if err := tx.Write(fmt.Sprintf("%s/ipv6/%d/addr", prefix, i), addr.String()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		a.logf("publish address table: %v", err)
	}
}

func removeSubtree(tx store.Tx, path string) error {
	children, err := tx.Directory(path)
	if err != nil {
		return nil // no prior subtree, nothing to remove
	}
	for range children {
		if err := tx.Remove(path); err != nil {
			return err
		}
		break
	}
	return nil
}

// dedupe removes duplicate addresses while preserving insertion order
// (spec §4.2).
func dedupe(addrs []netip.Addr) []netip.Addr {
	if len(addrs) == 0 {
		return nil
	}
	seen := make(map[netip.Addr]bool, len(addrs))
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
