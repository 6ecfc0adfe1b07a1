// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package frontend implements FrontendFSM (spec.md §4.1): the connection
// lifecycle state machine that negotiates with the backend over the store
// and gates whether TxRing/RxRing are connected, enabled, or torn down.
package frontend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oss-vif/vifdrv/config"
	"github.com/oss-vif/vifdrv/internal/evtchn"
	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/rxring"
	"github.com/oss-vif/vifdrv/stats"
	"github.com/oss-vif/vifdrv/txring"
)

// State is one of the five FrontendState values (spec §3), ordered so
// SetState can walk adjacent transitions by simple integer comparison.
type State int

const (
	Unknown State = iota
	Closed
	Prepared
	Connected
	Enabled
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Closed:
		return "CLOSED"
	case Prepared:
		return "PREPARED"
	case Connected:
		return "CONNECTED"
	case Enabled:
		return "ENABLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventChannelFactory opens a bound event-channel endpoint for a given
// queue index; supplied by the composition root (cmd/vifdriver), since
// only it knows whether the backend is split or combined.
type EventChannelFactory func(ctx context.Context, queueIndex int, split bool) (tx, rx evtchn.Channel, err error)

// FrontendFSM is the spec's FrontendFSM: one spin-lock (here, a
// sync.Mutex — this driver never raises interrupt priority) serialises
// every state transition, matching spec §4.1/§5's "one spin-lock
// serialises all state transitions".
type FrontendFSM struct {
	name  string
	store store.Interface
	mac   *mac.Mac
	cfg   config.Params
	stats *stats.Set
	logf  xlog.Logf

	newEventChannel EventChannelFactory

	mu    sync.Mutex
	state State
	online bool

	backendPath   string
	backendDomain uint16
	numQueues     int
	split         bool
	multicastOK   bool
	gsoIPv4OK     bool
	gsoIPv6OK     bool

	grants      *grant.Manager
	transmitter *txring.Transmitter
	receiver    *rxring.Receiver
	txChans     []evtchn.Channel
	rxChans     []evtchn.Channel

	watchdogCancel context.CancelFunc

	// EjectRequested is invoked when EjectMonitor (or an internal check)
	// decides the device should be removed; wired by the composition
	// root to whatever the host's PnP glue exposes (spec §1 "out of
	// scope": the kernel plug-and-play glue itself).
	EjectRequested func()
}

// New constructs an FSM in state UNKNOWN. name is the VIF instance name
// used to build `device/vif/<name>` store paths (spec §6).
func New(name string, st store.Interface, m *mac.Mac, cfg config.Params, stt *stats.Set, newChan EventChannelFactory, logf xlog.Logf) *FrontendFSM {
	return &FrontendFSM{
		name:            name,
		store:           st,
		mac:             m,
		cfg:             cfg,
		stats:           stt,
		logf:            xlog.WithPrefix(logf, "frontend: "),
		newEventChannel: newChan,
		EjectRequested:  func() {},
	}
}

// State returns the current FrontendState.
func (f *FrontendFSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Online reports the frontend's online flag (spec §4.3 EjectMonitor gates
// on this alongside State).
func (f *FrontendFSM) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// Transmitter/Receiver expose the constructed subsystems once
// State() >= Prepared; nil beforehand.
func (f *FrontendFSM) Transmitter() *txring.Transmitter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transmitter
}

func (f *FrontendFSM) Receiver() *rxring.Receiver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiver
}

// BackendPath returns the backend's store path once known (empty before
// CLOSED is first reached). EjectMonitor uses this to watch
// `<backend>/online` (spec §4.3).
func (f *FrontendFSM) BackendPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backendPath
}

func (f *FrontendFSM) frontendPath() string { return "device/vif/" + f.name }
func (f *FrontendFSM) dataPath() string     { return "data/vif/" + f.name }
func (f *FrontendFSM) errorPath() string    { return "error/device/vif/" + f.name + "/error" }

// SetState walks the chain of adjacent transitions toward target under the
// frontend lock (spec §4.1): on any failure the state collapses back to
// CLOSED (or further toward UNKNOWN if even that fails) and SetState
// returns the first error encountered. Idempotent: SetState(X) twice in a
// row is indistinguishable from calling it once (spec Testable Property 6)
// since a no-op loop (state already == target) does nothing.
func (f *FrontendFSM) SetState(ctx context.Context, target State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sid := uuid.New()
	for f.state != target {
		if target > f.state {
			next := f.state + 1
			f.logf("[%s] %s -> %s", sid, f.state, next)
			if err := f.stepUpLocked(ctx, next); err != nil {
				f.logf("[%s] step %s -> %s failed: %v; collapsing", sid, f.state, next, err)
				f.collapseLocked(ctx)
				return fmt.Errorf("frontend: set state %s: %w", target, err)
			}
			f.state = next
		} else {
			prev := f.state - 1
			f.logf("[%s] %s -> %s", sid, f.state, prev)
			f.stepDownLocked(ctx, prev)
			f.state = prev
		}
	}
	return nil
}

// collapseLocked steps the FSM down to CLOSED (or as far toward UNKNOWN as
// it can get) after a failed upward transition, per spec §4.1.
func (f *FrontendFSM) collapseLocked(ctx context.Context) {
	for f.state > Closed {
		prev := f.state - 1
		f.stepDownLocked(ctx, prev)
		f.state = prev
	}
}

// Resume steps UNKNOWN to CLOSED (spec §4.1 Suspend/Resume). It registers
// no suspend callback and does not wake or wait on the eject monitor. The
// composition root calls this once at startup and again after every
// host-side resume notification.
func (f *FrontendFSM) Resume(ctx context.Context) error {
	return f.SetState(ctx, Closed)
}

// Suspend releases and re-acquires the backend path (the domain id or path
// string may have changed across a host migration), then steps back to
// CLOSED, matching spec §4.1's "release and re-acquire backend path...
// then step UNKNOWN to CLOSED".
func (f *FrontendFSM) Suspend(ctx context.Context) error {
	if err := f.SetState(ctx, Unknown); err != nil {
		return err
	}
	return f.SetState(ctx, Closed)
}

// EjectFailed writes a human-readable failure message to the store's error
// node (spec §4.3).
func (f *FrontendFSM) EjectFailed(ctx context.Context, reason string) error {
	return f.store.Write(ctx, f.errorPath(), reason)
}
