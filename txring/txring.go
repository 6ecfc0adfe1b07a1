// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package txring implements TxRing (spec.md §4.4), the transmit-side
// per-queue state: packet queue, in-flight table, pending state machine,
// response handler, and producer/consumer ring mechanics.
package txring

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/oss-vif/vifdrv/bufferpool"
	"github.com/oss-vif/vifdrv/fragment"
	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/packet"
	"github.com/oss-vif/vifdrv/ringbuf"
	"github.com/oss-vif/vifdrv/stats"
)

// PlacementPolicy resolves the Open Question in spec.md §9 about the
// implicit OR between AlwaysCopy and the BUFFER_OVERFLOW-triggered grant
// fallback: it is a single enum instead.
type PlacementPolicy int

const (
	// PolicyGrantElseCopy is the default: try to grant payload pages
	// directly, falling back to bounce-copy only if that would exceed
	// NrSlotsMin.
	PolicyGrantElseCopy PlacementPolicy = iota
	// PolicyGrant always grants, never copies (fails BUFFER_OVERFLOW if
	// that would exceed NrSlotsMin).
	PolicyGrant
	// PolicyCopy always bounce-copies (the AlwaysCopy knob).
	PolicyCopy
)

// NrSlotsMin is the per-packet ring-slot budget guaranteed by the
// protocol (spec §6 glossary).
const NrSlotsMin = 18

// MaxFragmentID is the top of the Pending[0..MAX_ID] table (spec §3).
const MaxFragmentID = 1023

// Config holds the per-ring knobs from spec.md §6.
type Config struct {
	MTU               uint32
	Placement         PlacementPolicy
	BackendDomain     uint16
	GSOIPv4Enabled    bool
	GSOIPv6Enabled    bool
	MulticastControl  bool
	NoCsumOffload     bool
	IPv6CsumOffload   bool
	SplitEventChannel bool // tx/rx have separate event channels
}

// Notifier abstracts "signal our transmit event-channel" vs "call into
// the receiver's notify" for a combined backend (spec §4.4.5).
type Notifier interface {
	Notify()
}

// inProgress is the small sub-state-machine tracking the packet currently
// being fragmented (spec §3 "State").
type inProgress struct {
	pkt       *packet.Packet // nil for a control request with no caller packet
	origSend  packet.SendInfo
	fragments []*fragment.Fragment
	extra     *fragmentExtra
	wireSize  int
}

type fragmentExtra struct {
	kind    uint8 // wire.ExtraGSO / ExtraMcastAdd / ExtraMcastDel
	payload [30]byte
}

// Counters mirrors spec.md §3's TxRingState counters, one atomic word
// each so invariant checks never need a lock of their own.
type Counters struct {
	PacketsQueued      atomic.Uint64
	PacketsPrepared    atomic.Uint64
	PacketsGranted     atomic.Uint64
	PacketsCopied      atomic.Uint64
	PacketsFaked       atomic.Uint64
	PacketsSent        atomic.Uint64
	PacketsCompleted   atomic.Uint64
	PacketsUnprepared  atomic.Uint64
	RequestsPosted     atomic.Uint64
	RequestsPushed     atomic.Uint64
	ResponsesProcessed atomic.Uint64
}

// Ring is TxRingState (spec §3/§4.4).
type Ring struct {
	QueueIndex int

	cfg    Config
	logf   xlog.Logf
	notify Notifier
	stats  *stats.Set
	mac    *mac.Mac

	lock *fusedLock

	front   *ringbuf.Front
	frags   *fragment.Pool
	bufs    *bufferpool.Pool
	grants  *grant.Manager
	pending [MaxFragmentID + 1]*fragment.Fragment

	packetQueue    []*packet.Packet
	requestQueue   []*packet.Request
	packetComplete []*packet.Packet

	state *inProgress

	// pendingPush counts ring slots produced since the last PushRequests
	// call, so a long schedule pass flushes partway through rather than
	// holding every request back until the lock is released (spec
	// §4.4.5: batch, but do not starve the backend).
	pendingPush uint32

	Counters Counters

	connected atomic.Bool
	enabled   atomic.Bool
	stopped   atomic.Bool

	// Complete is invoked (outside any lock) with packets that finished
	// this service pass, so the caller can run their completion
	// callback (spec §2 "caller.completion").
	Complete func([]*packet.Packet)
}

// New constructs a Ring bound to a freshly allocated shared page.
func New(queueIndex int, cfg Config, m *mac.Mac, grants *grant.Manager, notify Notifier, st *stats.Set, logf xlog.Logf) *Ring {
	return &Ring{
		QueueIndex: queueIndex,
		cfg:        cfg,
		logf:       xlog.WithPrefix(logf, fmt.Sprintf("txring[%d]: ", queueIndex)),
		notify:     notify,
		stats:      st,
		mac:        m,
		lock:       newFusedLock(),
		front:      ringbuf.NewFront(ringbuf.NewSharedPage()),
		frags:      fragment.New(MaxFragmentID),
		bufs:       bufferpool.New(4 * wireCapacityApprox()),
		grants:     grants,
		Complete:   func([]*packet.Packet) {},
	}
}

// wireCapacityApprox hard-codes the ring's slot capacity (128 slots on one
// shared page); New sizes the bounce-buffer pool at four times it.
func wireCapacityApprox() int { return 128 }

// RingCapacity returns the number of slots in the underlying shared ring.
func (r *Ring) RingCapacity() uint32 { return r.front.Capacity() }

// SetConnected/SetEnabled/SetStopped are driven by FrontendFSM (§4.1).
func (r *Ring) SetConnected(v bool) { r.connected.Store(v) }
func (r *Ring) SetEnabled(v bool)   { r.enabled.Store(v) }
func (r *Ring) Connected() bool     { return r.connected.Load() }
func (r *Ring) Enabled() bool       { return r.enabled.Load() }
func (r *Ring) Stopped() bool       { return r.stopped.Load() }

// QueuePackets is the lock-free producer entry point (spec §4.4.1).
func (r *Ring) QueuePackets(pkts []*packet.Packet) {
	if len(pkts) == 0 {
		return
	}
	r.lock.push(&node{pkts: pkts})
	if r.lock.tryAcquire() {
		r.runLockedThenRelease(func() {})
	}
}

// runLockedThenRelease executes work while already holding the fused
// lock's token, then performs ReleaseLock's drain-then-release procedure
// (spec §4.4.1 steps 1-4), retrying if a producer raced in a fresh batch
// between the drain and the release.
func (r *Ring) runLockedThenRelease(work func()) {
	for {
		work()
		r.drainLIFOLocked()
		r.drainResponsesLocked()
		r.scheduleLocked()
		r.flushPushLocked()
		complete := r.takeCompleteLocked()
		r.lock.release()
		if len(complete) > 0 {
			r.Complete(complete)
		}
		if r.lock.head.Load() == nil {
			return
		}
		if !r.lock.tryAcquire() {
			return
		}
		work = func() {}
	}
}

// withLockBlocking is used by Poll, Disable, and the watchdog, all of
// which must actually perform their work rather than skip it when busy.
func (r *Ring) withLockBlocking(ctx context.Context, work func()) error {
	if err := r.lock.acquire(ctx); err != nil {
		return err
	}
	r.runLockedThenRelease(work)
	return nil
}

func (r *Ring) drainLIFOLocked() {
	batch := reverseToFIFO(r.lock.popAll())
	if len(batch) == 0 {
		return
	}
	r.packetQueue = append(r.packetQueue, batch...)
	r.Counters.PacketsQueued.Add(uint64(len(batch)))
}

// scheduleLocked is Schedule (spec §4.4): it drives the in-progress
// sub-state-machine, pulling the next packet or control request off the
// queues once the previous one has been fully posted, and stops as soon
// as the ring has no more room for whatever is currently in progress.
func (r *Ring) scheduleLocked() {
	if r.stopped.Load() {
		return
	}
	for {
		if r.state == nil {
			if !r.dequeueNextLocked() {
				return
			}
			if r.state == nil {
				// The item just dequeued failed Prepare and was already
				// completed/logged inline; go around for the next one.
				continue
			}
		}
		if !r.postLocked() {
			r.stats.Add(stats.Transmitter, stats.RingFull, 1)
			return
		}
		r.state = nil
	}
}

// dequeueNextLocked pulls one item off requestQueue (control requests take
// priority: they are cheap, latency-sensitive announcements) or
// packetQueue, and Prepares it into r.state. It returns false only when
// both queues are empty.
func (r *Ring) dequeueNextLocked() bool {
	if len(r.requestQueue) > 0 {
		req := r.requestQueue[0]
		r.requestQueue = r.requestQueue[1:]
		res, err := r.prepareControlLocked(req)
		if err != nil {
			r.logf("prepare control request: %v", err)
			r.Counters.PacketsUnprepared.Add(1)
			return true
		}
		r.state = &inProgress{fragments: res.fragments, extra: res.extra, wireSize: res.wireSize}
		return true
	}
	if len(r.packetQueue) > 0 {
		pkt := r.packetQueue[0]
		r.packetQueue = r.packetQueue[1:]
		origSend := pkt.Send
		res, err := r.prepare(pkt)
		if err != nil {
			// spec §4.4.3 step 7: a packet that fails to prepare (e.g. MTU
			// exceeded) is faked as prepared-and-sent with a DROPPED
			// completion, not surfaced as a backend error.
			r.logf("prepare: %v", err)
			r.Counters.PacketsUnprepared.Add(1)
			r.Counters.PacketsFaked.Add(1)
			r.Counters.PacketsPrepared.Add(1)
			r.Counters.PacketsSent.Add(1)
			r.stats.Add(stats.Transmitter, stats.FrontendErrors, 1)
			pkt.Completion.SetStatus(packet.StatusDropped)
			r.completePacket(pkt)
			return true
		}
		r.state = &inProgress{pkt: pkt, origSend: origSend, fragments: res.fragments, extra: res.extra, wireSize: res.wireSize}
		return true
	}
	return false
}

func (r *Ring) takeCompleteLocked() []*packet.Packet {
	c := r.packetComplete
	r.packetComplete = nil
	return c
}

// completePacket moves pkt to the PacketComplete list and bumps its
// statistics (spec §4.4.6 step 2's tail).
func (r *Ring) completePacket(pkt *packet.Packet) {
	r.packetComplete = append(r.packetComplete, pkt)
	r.Counters.PacketsCompleted.Add(1)

	switch pkt.Completion.Status {
	case packet.StatusOK:
		switch pkt.Completion.Type {
		case mac.Unicast:
			r.stats.Add(stats.Transmitter, stats.UnicastPackets, 1)
			r.stats.Add(stats.Transmitter, stats.UnicastOctets, uint64(pkt.Completion.PacketLength))
		case mac.Multicast:
			r.stats.Add(stats.Transmitter, stats.MulticastPackets, 1)
			r.stats.Add(stats.Transmitter, stats.MulticastOctets, uint64(pkt.Completion.PacketLength))
		case mac.Broadcast:
			r.stats.Add(stats.Transmitter, stats.BroadcastPackets, 1)
			r.stats.Add(stats.Transmitter, stats.BroadcastOctets, uint64(pkt.Completion.PacketLength))
		}
	case packet.StatusDropped:
		r.stats.Add(stats.Transmitter, stats.PacketsDropped, 1)
	case packet.StatusError:
		r.stats.Add(stats.Transmitter, stats.PacketsDropped, 1)
		r.stats.Add(stats.Transmitter, stats.BackendErrors, 1)
	}
}
