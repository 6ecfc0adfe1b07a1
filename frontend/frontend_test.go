// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frontend

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/oss-vif/vifdrv/config"
	"github.com/oss-vif/vifdrv/internal/evtchn"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/stats"
)

// seedBackend writes the device/backend store nodes a toolstack would have
// populated before releasing the frontend to run.
func seedBackend(t *testing.T, st *store.Memory, name string, maxQueues int) string {
	t.Helper()
	backend := "backend/vif/0/" + name
	mustWrite(t, st, "device/vif/"+name+"/backend", backend)
	mustWrite(t, st, "device/vif/"+name+"/backend-id", "0")
	mustWrite(t, st, backend+"/state", strconv.Itoa(int(BackendClosed)))
	mustWrite(t, st, backend+"/online", "1")
	mustWrite(t, st, backend+"/multi-queue-max-queues", strconv.Itoa(maxQueues))
	mustWrite(t, st, backend+"/feature-gso-tcpv4", "1")
	mustWrite(t, st, backend+"/feature-gso-tcpv6", "1")
	return backend
}

func mustWrite(t *testing.T, st *store.Memory, path, value string) {
	t.Helper()
	if err := st.Write(context.Background(), path, value); err != nil {
		t.Fatalf("seed write %s: %v", path, err)
	}
}

// runInlineBackend watches the frontend's state node and advances the
// backend's state node to match, standing in for the peer the handshake
// negotiates against. It stops when ctx is done.
func runInlineBackend(ctx context.Context, st *store.Memory, name, backend string) {
	frontendState := "device/vif/" + name + "/state"
	backendState := backend + "/state"

	changed := make(chan struct{}, 1)
	cancel := st.Watch(ctx, frontendState, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-time.After(5 * time.Millisecond):
		}
		s, err := st.Read(ctx, frontendState)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		switch BackendState(n) {
		case BackendInitialising:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(BackendInitWait)))
		case BackendConnected:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(BackendConnected)))
		case BackendClosing:
			_ = st.Write(ctx, backendState, fmt.Sprint(int(BackendClosed)))
		}
	}
}

func newTestFSM(t *testing.T, maxQueues int) (*FrontendFSM, *store.Memory, context.CancelFunc) {
	t.Helper()
	st := store.NewMemory()
	name := "eth0"
	backend := seedBackend(t, st, name, maxQueues)

	bgCtx, cancel := context.WithCancel(context.Background())
	go runInlineBackend(bgCtx, st, name, backend)

	m := mac.New(mac.Address{0, 1, 2, 3, 4, 5}, 1500)
	cfg := config.Params{FrontendMaxQueues: config.ItemOf(4)}
	chanFactory := func(_ context.Context, _ int, split bool) (evtchn.Channel, evtchn.Channel, error) {
		a, b := evtchn.NewLocalPair()
		if !split {
			return a, a, nil
		}
		return a, b, nil
	}
	fsm := New(name, st, m, cfg, stats.NewSet(), chanFactory, xlog.Discard)
	return fsm, st, cancel
}

func TestSetStateWalksToEnabled(t *testing.T) {
	fsm, _, cancel := newTestFSM(t, 4)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("SetState(Enabled): %v", err)
	}
	if got := fsm.State(); got != Enabled {
		t.Fatalf("State() = %v, want Enabled", got)
	}
	if !fsm.Online() {
		t.Fatal("expected Online() true once Enabled")
	}
	if fsm.Transmitter() == nil || fsm.Receiver() == nil {
		t.Fatal("expected Transmitter/Receiver to be constructed")
	}
	if got := len(fsm.Transmitter().Rings); got != 4 {
		t.Fatalf("negotiated %d queues, want 4 (clamped to backend's multi-queue-max-queues)", got)
	}
}

func TestSetStateClampsToFrontendMaxQueues(t *testing.T) {
	fsm, _, cancel := newTestFSM(t, 16)
	defer cancel()
	// cfg.FrontendMaxQueues is 4 (see newTestFSM); backend advertises 16.

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := fsm.SetState(ctx, Connected); err != nil {
		t.Fatalf("SetState(Connected): %v", err)
	}
	if got := len(fsm.Transmitter().Rings); got != 4 {
		t.Fatalf("negotiated %d queues, want 4 (clamped by FrontendMaxQueues)", got)
	}
}

func TestSetStateIdempotent(t *testing.T) {
	fsm, _, cancel := newTestFSM(t, 1)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("first SetState(Enabled): %v", err)
	}
	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("second SetState(Enabled): %v", err)
	}
	if got := fsm.State(); got != Enabled {
		t.Fatalf("State() = %v, want Enabled", got)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	fsm, _, cancel := newTestFSM(t, 2)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("SetState(Enabled): %v", err)
	}
	if err := fsm.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if got := fsm.State(); got != Closed {
		t.Fatalf("State() after Suspend = %v, want Closed", got)
	}
	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("re-enable after Suspend: %v", err)
	}
	if got := fsm.State(); got != Enabled {
		t.Fatalf("State() = %v, want Enabled", got)
	}
}

func TestSetStateTearsDownToUnknown(t *testing.T) {
	fsm, st, cancel := newTestFSM(t, 2)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := fsm.SetState(ctx, Enabled); err != nil {
		t.Fatalf("SetState(Enabled): %v", err)
	}

	// There is no real backend here to answer the outstanding rx buffer
	// posts Refill made, so Disable's drain would otherwise block for the
	// full context timeout; simulate the backend-gone recovery path a real
	// caller would trigger once it notices the peer is unreachable.
	rcv := fsm.Receiver()
	stop := make(chan struct{})
	fakerDone := make(chan struct{})
	go func() {
		defer close(fakerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}
			_ = rcv.FakeResponses(ctx)
			time.Sleep(time.Millisecond)
		}
	}()

	if err := fsm.SetState(ctx, Unknown); err != nil {
		t.Fatalf("SetState(Unknown): %v", err)
	}
	close(stop)
	<-fakerDone
	if got := fsm.State(); got != Unknown {
		t.Fatalf("State() = %v, want Unknown", got)
	}
	if fsm.Online() {
		t.Fatal("expected Online() false after tearing down to Unknown")
	}
	if fsm.BackendPath() != "" {
		t.Fatal("expected BackendPath() cleared after tearing down to Unknown")
	}
	// The backend should have observed a Closed publish along the way.
	s, err := st.Read(context.Background(), "backend/vif/0/eth0/state")
	if err != nil {
		t.Fatalf("read backend state: %v", err)
	}
	if s != strconv.Itoa(int(BackendClosed)) {
		t.Fatalf("backend state = %s, want Closed", s)
	}
}
