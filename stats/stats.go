// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package stats implements the per-CPU Statistics component of spec.md
// §4.5: writers never block and never contend, readers sum across shards
// on query.
//
// There is no third-party per-CPU counter library in the retrieval pack
// (the closest analogue, tailscale.com/metrics, is imported only by
// tsweb_test.go as a consumer, not a sharded-counter implementation), so
// the sharding itself is built on sync.Pool — whose Get/Put are already
// P-local in the Go runtime, which is the standard idiom for an
// allocation-free, per-CPU-ish counter without resorting to runtime
// linkname tricks. The exporter surface on top of it uses
// github.com/prometheus/client_golang, matching the /debug/varz-style
// exporter exercised by tsweb_test.go.
package stats

import (
	"sync"
	"sync/atomic"
)

// Ring identifies which data-path component a statistic belongs to.
type Ring int

const (
	Transmitter Ring = iota
	Receiver
)

func (r Ring) String() string {
	if r == Transmitter {
		return "Transmitter"
	}
	return "Receiver"
}

// Name is one counter name, the Cartesian product named in spec §4.5 plus
// the TransmitterRingFull counter supplemented from original_source/ (see
// SPEC_FULL.md).
type Name int

const (
	PacketsDropped Name = iota
	BackendErrors
	FrontendErrors
	UnicastPackets
	UnicastOctets
	MulticastPackets
	MulticastOctets
	BroadcastPackets
	BroadcastOctets
	RingFull // only meaningful for Transmitter; Receiver leaves it at 0
	numNames
)

var names = [numNames]string{
	PacketsDropped:   "PacketsDropped",
	BackendErrors:    "BackendErrors",
	FrontendErrors:   "FrontendErrors",
	UnicastPackets:   "UnicastPackets",
	UnicastOctets:    "UnicastOctets",
	MulticastPackets: "MulticastPackets",
	MulticastOctets:  "MulticastOctets",
	BroadcastPackets: "BroadcastPackets",
	BroadcastOctets:  "BroadcastOctets",
	RingFull:         "RingFull",
}

func (n Name) String() string { return names[n] }

type shard struct {
	counters [2][numNames]uint64
}

// Set is the per-CPU counter set for one VIF instance, covering both the
// Transmitter and Receiver rings.
type Set struct {
	pool sync.Pool

	mu   sync.Mutex
	all  []*shard
}

func NewSet() *Set {
	s := &Set{}
	s.pool.New = func() any {
		sh := new(shard)
		s.registerOnce(sh)
		return sh
	}
	return s
}

// get returns a shard from the pool. Every shard is registered in s.all
// when Pool.New creates it, so Sum still reads shards that the pool later
// drops; the counters themselves are only touched with atomic ops, so a
// shard shared over time by several goroutines stays race-free.
func (s *Set) get() *shard {
	return s.pool.Get().(*shard)
}

// Add increments name on ring by delta from the calling goroutine's
// (approximately per-CPU) shard. Never blocks.
func (s *Set) Add(ring Ring, name Name, delta uint64) {
	sh := s.get()
	atomic.AddUint64(&sh.counters[ring][name], delta)
	s.pool.Put(sh)
}

func (s *Set) registerOnce(sh *shard) {
	s.mu.Lock()
	for _, existing := range s.all {
		if existing == sh {
			s.mu.Unlock()
			return
		}
	}
	s.all = append(s.all, sh)
	s.mu.Unlock()
}

// Sum returns the current total for (ring, name) across all shards that
// have ever been used.
func (s *Set) Sum(ring Ring, name Name) uint64 {
	s.mu.Lock()
	shards := make([]*shard, len(s.all))
	copy(shards, s.all)
	s.mu.Unlock()

	var total uint64
	for _, sh := range shards {
		total += atomic.LoadUint64(&sh.counters[ring][name])
	}
	return total
}

// Snapshot returns every counter's current sum, keyed "Ring.Name", for
// tests and debugging.
func (s *Set) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, 2*int(numNames))
	for _, ring := range []Ring{Transmitter, Receiver} {
		for n := Name(0); n < numNames; n++ {
			out[ring.String()+"."+n.String()] = s.Sum(ring, n)
		}
	}
	return out
}
