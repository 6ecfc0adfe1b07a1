// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package txring

import (
	"context"
	"time"
)

// Disable implements the transmit-side half of FrontendFSM's disconnect
// path (spec §4.1/§4.4): stop accepting new work from Schedule and block
// until every already-posted request has a response, so the ring's
// Buffers/Fragments/grants are all returned before the caller tears down
// the shared page.
func (r *Ring) Disable(ctx context.Context) error {
	if err := r.withLockBlocking(ctx, func() { r.stopped.Store(true) }); err != nil {
		return err
	}
	for r.front.Outstanding() > 0 {
		if err := r.Poll(ctx); err != nil {
			return err
		}
		if r.front.Outstanding() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// Enable clears the stopped flag so Schedule resumes pulling work once a
// reconnect completes.
func (r *Ring) Enable() {
	r.stopped.Store(false)
}
