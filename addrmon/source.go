// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package addrmon

import (
	"context"
	"net/netip"
	"sync"

	"github.com/oss-vif/vifdrv/mac"
)

// Source is the Go interface for the out-of-scope host unicast-address
// collaborator (spec.md §4.2): whatever watches the kernel's interface
// table for address changes. The real implementation is platform glue
// outside this module's scope; this package holds the interface plus an
// in-memory fake sufficient to drive and test AddressMonitor.
type Source interface {
	// Watch invokes fn on every host unicast-address change until ctx is
	// done.
	Watch(ctx context.Context, fn func()) (cancel func())
	// Addresses returns the current IPv4/IPv6 unicast addresses of the
	// interface whose permanent hardware address is addr.
	Addresses(addr mac.Address) (ipv4, ipv6 []netip.Addr, err error)
}

// Static is an in-memory Source for tests: Set installs a new address
// table and wakes every registered watcher.
type Static struct {
	mu       sync.Mutex
	ipv4     []netip.Addr
	ipv6     []netip.Addr
	watchers []func()
}

func NewStatic() *Static { return &Static{} }

func (s *Static) Watch(ctx context.Context, fn func()) (cancel func()) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	idx := len(s.watchers) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.watchers) {
			s.watchers[idx] = nil
		}
	}
}

func (s *Static) Addresses(mac.Address) (ipv4, ipv6 []netip.Addr, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.Addr(nil), s.ipv4...), append([]netip.Addr(nil), s.ipv6...), nil
}

// Set replaces the current address table and notifies every watcher.
func (s *Static) Set(ipv4, ipv6 []netip.Addr) {
	s.mu.Lock()
	s.ipv4 = append([]netip.Addr(nil), ipv4...)
	s.ipv6 = append([]netip.Addr(nil), ipv6...)
	watchers := append([]func(){}, s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		if w != nil {
			w()
		}
	}
}
