// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frontend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oss-vif/vifdrv/internal/grant"
	"github.com/oss-vif/vifdrv/internal/store"
	"github.com/oss-vif/vifdrv/rxring"
	"github.com/oss-vif/vifdrv/txring"
)

// stepUpLocked performs the action associated with moving from
// f.state to next (spec §4.1's per-edge behaviour). Called with f.mu held.
func (f *FrontendFSM) stepUpLocked(ctx context.Context, next State) error {
	switch next {
	case Closed:
		return f.toClosedLocked(ctx)
	case Prepared:
		return f.toPreparedLocked(ctx)
	case Connected:
		return f.toConnectedLocked(ctx)
	case Enabled:
		return f.toEnabledLocked(ctx)
	}
	return fmt.Errorf("frontend: unreachable target %s", next)
}

// stepDownLocked is the rollback counterpart, run best-effort (errors are
// logged, never surfaced: a failing teardown must not block forward
// progress toward UNKNOWN).
func (f *FrontendFSM) stepDownLocked(ctx context.Context, prev State) {
	switch prev {
	case Connected:
		f.toConnectedDownLocked(ctx)
	case Prepared:
		f.toPreparedDownLocked(ctx)
	case Closed:
		f.toClosedDownLocked(ctx)
	case Unknown:
		f.toUnknownDownLocked(ctx)
	}
}

// toClosedLocked is UNKNOWN -> CLOSED: claim the backend path/domain and
// mark the frontend online (spec §4.1).
func (f *FrontendFSM) toClosedLocked(ctx context.Context) error {
	backend, err := f.store.Read(ctx, f.frontendPath()+"/backend")
	if err != nil {
		return fmt.Errorf("read backend path: %w", err)
	}
	domainStr, err := f.store.Read(ctx, f.frontendPath()+"/backend-id")
	if err != nil {
		return fmt.Errorf("read backend domain: %w", err)
	}
	domain, err := strconv.Atoi(domainStr)
	if err != nil {
		return fmt.Errorf("parse backend domain: %w", err)
	}
	f.backendPath = backend
	f.backendDomain = uint16(domain)
	f.online = true
	return nil
}

// toPreparedLocked is CLOSED -> PREPARED: negotiate queue count, allocate
// grants and construct (but do not yet connect) the per-queue rings
// (spec §4.1, §6's multi-queue-max-queues negotiation).
func (f *FrontendFSM) toPreparedLocked(ctx context.Context) error {
	if err := f.publishWireState(ctx, BackendInitialising); err != nil {
		return err
	}
	if err := f.toPreparedWait(ctx); err != nil {
		return err
	}

	maxQueues := 1
	if s, err := f.store.Read(ctx, f.backendPath+"/multi-queue-max-queues"); err == nil {
		if n, perr := strconv.Atoi(s); perr == nil && n > 0 {
			maxQueues = n
		}
	}
	limit := f.cfg.FrontendMaxQueues.Value(defaultFrontendMaxQueues)
	if maxQueues > limit {
		maxQueues = limit
	}
	if maxQueues < 1 {
		maxQueues = 1
	}
	f.numQueues = maxQueues

	f.gsoIPv4OK = featureFlag(ctx, f.store, f.backendPath, "feature-gso-tcpv4") && !f.cfg.TransmitterDisableIPv4GSO.Value(false)
	f.gsoIPv6OK = featureFlag(ctx, f.store, f.backendPath, "feature-gso-tcpv6") && !f.cfg.TransmitterDisableIPv6GSO.Value(false)
	f.multicastOK = featureFlag(ctx, f.store, f.backendPath, "feature-multicast-control")
	f.split = f.numQueues > 1 || featureFlag(ctx, f.store, f.backendPath, "feature-split-event-channels")

	f.grants = grant.NewManager(f.backendDomain)

	placement := txring.PolicyGrantElseCopy
	if f.cfg.TransmitterAlwaysCopy.Value(false) {
		placement = txring.PolicyCopy
	}

	var txRings []*txring.Ring
	var rxRings []*rxring.Ring
	f.txChans = nil
	f.rxChans = nil

	for i := 0; i < f.numQueues; i++ {
		txCh, rxCh, err := f.newEventChannel(ctx, i, f.split)
		if err != nil {
			return fmt.Errorf("open event channel for queue %d: %w", i, err)
		}
		f.txChans = append(f.txChans, txCh)
		f.rxChans = append(f.rxChans, rxCh)

		txCfg := txring.Config{
			MTU:               f.mac.MTU,
			Placement:         placement,
			BackendDomain:     f.backendDomain,
			GSOIPv4Enabled:    f.gsoIPv4OK,
			GSOIPv6Enabled:    f.gsoIPv6OK,
			MulticastControl:  f.multicastOK,
			SplitEventChannel: f.split,
		}
		txRings = append(txRings, txring.New(i, txCfg, f.mac, f.grants, txCh, f.stats, f.logf))

		rxCfg := rxring.Config{
			BackendDomain:     f.backendDomain,
			GROEnabled:        true,
			RXCsumOffload:     true,
			SplitEventChannel: f.split,
		}
		notifyRx := rxCh
		if !f.split {
			notifyRx = txCh
		}
		rxRings = append(rxRings, rxring.New(i, rxCfg, f.mac, f.grants, notifyRx, f.stats, f.logf))
	}

	f.transmitter = txring.NewTransmitter(txRings)
	f.receiver = rxring.NewReceiver(rxRings)
	return nil
}

const defaultFrontendMaxQueues = 8

func featureFlag(ctx context.Context, st store.Interface, backendPath, leaf string) bool {
	s, err := st.Read(ctx, backendPath+"/"+leaf)
	if err != nil {
		return false
	}
	return strings.TrimSpace(s) == "1"
}

// toConnectedLocked is PREPARED -> CONNECTED: publish the per-queue
// tx-ring-ref, rx-ring-ref and event-channel keys in a single transaction,
// then wait for the backend to reach Connected (spec §4.1, §6). The value
// written to each of those keys is the queue index; no grant reference for
// the shared ring pages and no event-channel port is published.
func (f *FrontendFSM) toConnectedLocked(ctx context.Context) error {
	if err := f.store.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.Write(f.frontendPath()+"/multi-queue-num-queues", strconv.Itoa(f.numQueues)); err != nil {
			return err
		}
		for i := range f.transmitter.Rings {
			prefix := f.frontendPath()
			if f.numQueues > 1 {
				prefix = fmt.Sprintf("%s/queue-%d", f.frontendPath(), i)
			}
			if err := tx.Write(prefix+"/tx-ring-ref", strconv.Itoa(i)); err != nil {
				return err
			}
			if err := tx.Write(prefix+"/rx-ring-ref", strconv.Itoa(i)); err != nil {
				return err
			}
			if f.split {
				if err := tx.Write(prefix+"/event-channel-tx", strconv.Itoa(i)); err != nil {
					return err
				}
				if err := tx.Write(prefix+"/event-channel-rx", strconv.Itoa(i)); err != nil {
					return err
				}
			} else {
				if err := tx.Write(prefix+"/event-channel", strconv.Itoa(i)); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("publish connect transaction: %w", err)
	}

	if err := f.toConnectedWait(ctx); err != nil {
		return err
	}

	f.receiver.Refill()
	return nil
}

// toEnabledLocked is CONNECTED -> ENABLED: the rings start actually
// moving packets (spec §4.1).
func (f *FrontendFSM) toEnabledLocked(ctx context.Context) error {
	for _, r := range f.transmitter.Rings {
		r.SetConnected(true)
		r.SetEnabled(true)
	}
	f.online = true
	return nil
}

// --- downward transitions ---

func (f *FrontendFSM) toConnectedDownLocked(ctx context.Context) {
	for _, r := range f.transmitter.Rings {
		r.SetEnabled(false)
	}
	if err := f.transmitter.Disable(ctx); err != nil {
		f.logf("disable transmitter: %v", err)
	}
	if err := f.receiver.Disable(ctx); err != nil {
		f.logf("disable receiver: %v", err)
	}
}

func (f *FrontendFSM) toPreparedDownLocked(ctx context.Context) {
	if err := f.toClosedWait(ctx); err != nil {
		f.logf("wait for backend close: %v", err)
	}
	for _, r := range f.transmitter.Rings {
		r.SetConnected(false)
	}
	for _, ch := range f.txChans {
		_ = ch.Close()
	}
	for _, ch := range f.rxChans {
		_ = ch.Close()
	}
	f.txChans = nil
	f.rxChans = nil
	f.transmitter = nil
	f.receiver = nil
	f.grants = nil
}

func (f *FrontendFSM) toClosedDownLocked(ctx context.Context) {
	if err := f.publishWireState(ctx, BackendClosed); err != nil {
		f.logf("publish closed: %v", err)
	}
}

func (f *FrontendFSM) toUnknownDownLocked(ctx context.Context) {
	_ = ctx
	f.online = false
	f.backendPath = ""
	f.backendDomain = 0
}
