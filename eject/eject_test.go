// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package eject

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/oss-vif/vifdrv/config"
	"github.com/oss-vif/vifdrv/frontend"
	"github.com/oss-vif/vifdrv/internal/evtchn"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
	"github.com/oss-vif/vifdrv/mac"
	"github.com/oss-vif/vifdrv/stats"
)

func newTestFSM(t *testing.T, st *store.Memory, name string) *frontend.FrontendFSM {
	t.Helper()
	m := mac.New(mac.Address{0, 1, 2, 3, 4, 5}, 1500)
	cfg := config.Params{FrontendMaxQueues: config.ItemOf(1)}
	chanFactory := func(_ context.Context, _ int, split bool) (evtchn.Channel, evtchn.Channel, error) {
		a, b := evtchn.NewLocalPair()
		if !split {
			return a, a, nil
		}
		return a, b, nil
	}
	return frontend.New(name, st, m, cfg, stats.NewSet(), chanFactory, xlog.Discard)
}

func seedAndConnect(t *testing.T, st *store.Memory, fsm *frontend.FrontendFSM, name string) {
	t.Helper()
	backend := "backend/vif/0/" + name
	ctx := context.Background()
	write := func(path, val string) {
		if err := st.Write(ctx, path, val); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	write("device/vif/"+name+"/backend", backend)
	write("device/vif/"+name+"/backend-id", "0")
	write(backend+"/state", strconv.Itoa(int(frontend.BackendClosed)))
	write(backend+"/online", "1")
	write(backend+"/multi-queue-max-queues", "1")

	bgCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go simulateBackend(bgCtx, st, name, backend)

	setCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := fsm.SetState(setCtx, frontend.Enabled); err != nil {
		t.Fatalf("SetState(Enabled): %v", err)
	}
}

func simulateBackend(ctx context.Context, st *store.Memory, name, backend string) {
	frontendState := "device/vif/" + name + "/state"
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
		switch frontend.BackendState(n) {
		case frontend.BackendInitialising:
			_ = st.Write(ctx, backend+"/state", strconv.Itoa(int(frontend.BackendInitWait)))
		case frontend.BackendConnected:
			_ = st.Write(ctx, backend+"/state", strconv.Itoa(int(frontend.BackendConnected)))
		}
	}
}

func TestRunRequestsEjectWhenBackendGoesOffline(t *testing.T) {
	st := store.NewMemory()
	name := "eth0"
	fsm := newTestFSM(t, st, name)
	seedAndConnect(t, st, fsm, name)

	requested := make(chan struct{}, 1)
	mon := New(st, fsm, func() {
		select {
		case requested <- struct{}{}:
		default:
		}
	}, xlog.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go mon.Run(ctx)

	if err := st.Write(context.Background(), "backend/vif/0/"+name+"/online", "0"); err != nil {
		t.Fatalf("write online=0: %v", err)
	}
	mon.Wake()

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eject request")
	}
}

func TestRunDoesNotRequestEjectWhileBackendOnline(t *testing.T) {
	st := store.NewMemory()
	name := "eth0"
	fsm := newTestFSM(t, st, name)
	seedAndConnect(t, st, fsm, name)

	requested := make(chan struct{}, 1)
	mon := New(st, fsm, func() {
		select {
		case requested <- struct{}{}:
		default:
		}
	}, xlog.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	mon.Run(ctx)

	select {
	case <-requested:
		t.Fatal("did not expect an eject request while backend/online stays 1")
	default:
	}
}

func TestWaitPassUnblocksAfterOnePass(t *testing.T) {
	st := store.NewMemory()
	name := "eth0"
	fsm := newTestFSM(t, st, name)
	seedAndConnect(t, st, fsm, name)

	mon := New(st, fsm, func() {}, xlog.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	waitCtx, waitDone := context.WithTimeout(context.Background(), time.Second)
	defer waitDone()
	if err := mon.WaitPass(waitCtx); err != nil {
		t.Fatalf("WaitPass: %v", err)
	}
}
