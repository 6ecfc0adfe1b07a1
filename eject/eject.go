// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package eject implements EjectMonitor (spec.md §4.3): the worker that
// notices the backend has gone offline out from under a live frontend and
// requests the device be removed.
package eject

import (
	"context"
	"sync"
	"time"

	"github.com/oss-vif/vifdrv/frontend"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/internal/xlog"
)

// Monitor is EjectMonitor.
type Monitor struct {
	store        store.Interface
	fsm          *frontend.FrontendFSM
	requestEject func()
	logf         xlog.Logf

	wake chan struct{}

	mu    sync.Mutex
	genCh chan struct{}
}

// New constructs a Monitor. requestEject is called (outside the frontend
// lock) when the backend has vanished under a live, online frontend; the
// composition root wires it to whatever host PnP glue performs the actual
// device removal.
func New(st store.Interface, fsm *frontend.FrontendFSM, requestEject func(), logf xlog.Logf) *Monitor {
	return &Monitor{
		store:        st,
		fsm:          fsm,
		requestEject: requestEject,
		logf:         xlog.WithPrefix(logf, "eject: "),
		wake:         make(chan struct{}, 1),
		genCh:        make(chan struct{}),
	}
}

// Wake schedules an extra pass without waiting for the store watch to
// fire (spec §4.3's "wake event"). FrontendFSM's Suspend/Resume do not
// call it; callers that change frontend state invoke it themselves.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WaitPass blocks until the next full eject-check pass completes, so a
// caller can wait synchronously on EjectMonitor. FrontendFSM's
// Suspend/Resume do not call it.
func (m *Monitor) WaitPass(ctx context.Context) error {
	m.mu.Lock()
	ch := m.genCh
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run watches backend/online and the wake channel until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	var cancelWatch func()
	var watchedPath string

	for {
		bp := m.fsm.BackendPath()
		if bp != "" && bp != watchedPath {
			if cancelWatch != nil {
				cancelWatch()
			}
			watchedPath = bp
			cancelWatch = m.store.Watch(ctx, bp+"/online", m.Wake)
		}

		m.runPass(ctx)

		select {
		case <-ctx.Done():
			if cancelWatch != nil {
				cancelWatch()
			}
			return
		case <-m.wake:
		case <-time.After(time.Second):
			// re-check periodically in case BackendPath only just became
			// available (the watch above couldn't have been armed yet).
		}
	}
}

func (m *Monitor) runPass(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		ch := m.genCh
		m.genCh = make(chan struct{})
		m.mu.Unlock()
		close(ch)
	}()

	state := m.fsm.State()
	if state == frontend.Unknown || state == frontend.Closed {
		return
	}
	if !m.fsm.Online() {
		return
	}
	bp := m.fsm.BackendPath()
	if bp == "" {
		return
	}
	val, err := m.store.Read(ctx, bp+"/online")
	backendOnline := err == nil && val == "1"
	if backendOnline {
		return
	}

	m.logf("backend/online reads false while frontend is online and state is %s; requesting eject", state)
	m.requestEject()
}
