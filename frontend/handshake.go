// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frontend

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// BackendState mirrors the xenbus state alphabet published at
// `<backend>/state` and `<frontend>/state` alike (spec §4.1's handshake
// table); values follow the conventional XenbusState ordering.
type BackendState int

const (
	BackendUnknown BackendState = iota
	BackendInitialising
	BackendInitWait
	BackendInitialised
	BackendConnected
	BackendClosing
	BackendClosed
)

// handshakeTimeout bounds how long a single upward transition waits for
// the backend to respond (spec §4.1: "wait up to 120 s").
const handshakeTimeout = 120 * time.Second

const pollInterval = time.Millisecond

var errBackendLost = errors.New("frontend: backend reported Unknown state twice in a row")
var errHandshakeTimeout = errors.New("frontend: timed out waiting for backend")

func (f *FrontendFSM) readBackendState(ctx context.Context) (BackendState, error) {
	s, err := f.store.Read(ctx, f.backendPath+"/state")
	if err != nil {
		return BackendUnknown, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return BackendUnknown, err
	}
	return BackendState(n), nil
}

// publishWireState writes one of the conventional XenbusState values to
// the frontend's own state node. It is distinct from FrontendFSM.State,
// which tracks the driver's own (coarser) five-state lifecycle.
func (f *FrontendFSM) publishWireState(ctx context.Context, s BackendState) error {
	return f.store.Write(ctx, f.frontendPath()+"/state", strconv.Itoa(int(s)))
}

// waitForBackend polls the backend's state node until until returns a
// non-zero result (1 = success, -1 = fatal failure, 0 = keep waiting).
// A transient Unknown read does not immediately fail the wait
// (SUPPLEMENTED: the backend toolstack can legitimately blip through
// Unknown while restarting its own watch); only two consecutive Unknown
// reads set the frontend offline and abort.
func (f *FrontendFSM) waitForBackend(ctx context.Context, until func(BackendState) int) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	changed := make(chan struct{}, 1)
	cancelWatch := f.store.Watch(ctx, f.backendPath+"/state", func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancelWatch()

	unknownStreak := 0
	for {
		bs, err := f.readBackendState(ctx)
		if err != nil {
			bs = BackendUnknown
		}
		if bs == BackendUnknown {
			unknownStreak++
			if unknownStreak >= 2 {
				f.online = false
				return errBackendLost
			}
		} else {
			unknownStreak = 0
		}

		switch until(bs) {
		case 1:
			return nil
		case -1:
			return errBackendLost
		}

		select {
		case <-ctx.Done():
			return errHandshakeTimeout
		case <-changed:
		case <-time.After(pollInterval):
		}
	}
}

// toPreparedWait drives the backend from Closed to InitWait, publishing
// Initialising the first time it observes Closed (spec §4.1 CLOSED ->
// PREPARED).
func (f *FrontendFSM) toPreparedWait(ctx context.Context) error {
	announced := false
	return f.waitForBackend(ctx, func(bs BackendState) int {
		switch bs {
		case BackendInitWait, BackendInitialised, BackendConnected:
			return 1
		case BackendClosed:
			if !announced {
				_ = f.publishWireState(ctx, BackendInitialising)
				announced = true
			}
			return 0
		default:
			return 0
		}
	})
}

// toConnectedWait drives the backend to Connected, publishing our own
// Connected state once the backend reaches Initialised/InitWait (spec
// §4.1 PREPARED -> CONNECTED).
func (f *FrontendFSM) toConnectedWait(ctx context.Context) error {
	announced := false
	return f.waitForBackend(ctx, func(bs BackendState) int {
		switch bs {
		case BackendConnected:
			return 1
		case BackendInitialised, BackendInitWait:
			if !announced {
				_ = f.publishWireState(ctx, BackendConnected)
				announced = true
			}
			return 0
		default:
			return 0
		}
	})
}

// toClosedWait drives the backend toward Closed so the frontend can
// finish tearing down (spec §4.1 downward transitions). An Unknown
// backend here means the peer is simply gone: that is success, not
// failure, since there is nothing left to coordinate with.
func (f *FrontendFSM) toClosedWait(ctx context.Context) error {
	announcedClosing := false
	err := f.waitForBackend(ctx, func(bs BackendState) int {
		switch bs {
		case BackendClosed:
			return 1
		case BackendConnected, BackendInitWait, BackendInitialised:
			if !announcedClosing {
				_ = f.publishWireState(ctx, BackendClosing)
				announcedClosing = true
			}
			return 0
		case BackendClosing:
			_ = f.publishWireState(ctx, BackendClosed)
			return 0
		default:
			return 0
		}
	})
	if errors.Is(err, errBackendLost) {
		return nil
	}
	return err
}
