// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"context"
	"time"
)

const watchdogInterval = 30 * time.Second
const stallTicks = 2

// Watchdog runs until ctx is done, mirroring txring.Watchdog: if the ring
// has buffers outstanding with no responses for stallTicks consecutive
// ticks, it flushes any GRO-held segments and forces a Poll pass, covering
// a lost notification the same way the transmit side's watchdog does.
func (r *Ring) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	var lastProcessed uint64
	var stalled int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		processed := r.Counters.ResponsesProcessed.Load()
		r.mu.Lock()
		outstanding := r.front.Outstanding()
		r.mu.Unlock()
		if outstanding == 0 {
			stalled = 0
			lastProcessed = processed
			continue
		}
		if processed == lastProcessed {
			stalled++
		} else {
			stalled = 0
		}
		lastProcessed = processed
		if stalled < stallTicks {
			continue
		}

		r.logf("watchdog: %d buffers outstanding with no responses across %d ticks; re-kicking backend", outstanding, stalled)
		if r.gro != nil {
			r.gro.flush()
		}
		r.notify.Notify()
		if err := r.Poll(ctx); err != nil {
			r.logf("watchdog: poll: %v", err)
		}
	}
}
