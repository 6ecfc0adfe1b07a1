// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"context"
	"time"
)

// Disable stops refilling the ring and blocks until every outstanding
// receive buffer has come back (spec §4.1/§4.4, mirrored for rx): once
// Outstanding reaches zero every grant this ring handed the backend has
// been revoked, so the caller can safely tear down the shared page.
func (r *Ring) Disable(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	for {
		r.mu.Lock()
		outstanding := r.front.Outstanding()
		r.mu.Unlock()
		if outstanding == 0 {
			return nil
		}
		if err := r.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Enable resumes refilling after a reconnect.
func (r *Ring) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.refillLocked()
}

// FakeResponses implements the rx-side backend-gone recovery (spec
// §4.4.7, mirrored): every buffer the backend never filled is returned as
// if dropped, so Disable's drain can complete even though the backend
// vanished mid-flight.
func (r *Ring) FakeResponses(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pb := range r.pending {
		_ = pb
		delete(r.pending, id)
		if buf := pb.buf; buf != nil {
			if buf.Grant != nil {
				buf.Grant.Revoke()
				buf.Grant = nil
			}
			r.bufs.Free(buf)
		}
		r.ids.put(id)
		r.Counters.PacketsFaked.Add(1)
	}
	r.front.Reinit()
	return ctx.Err()
}
