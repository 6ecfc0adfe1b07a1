// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"context"

	"github.com/oss-vif/vifdrv/packet"
)

// Receiver owns every queue's RxRing, the receive-side counterpart of
// txring.Transmitter. Unlike the transmit side there is no per-packet
// partitioning decision to make — the backend chooses which queue to fill
// — so Receiver is mostly fan-out for lifecycle calls.
type Receiver struct {
	Rings []*Ring
}

func NewReceiver(rings []*Ring) *Receiver { return &Receiver{Rings: rings} }

// SetDeliver installs the same completion callback on every queue, so the
// caller gets a single hand-off point regardless of how many queues the
// backend negotiated (spec §2 "caller.completion", mirrored for rx).
func (rc *Receiver) SetDeliver(fn func(*packet.Packet)) {
	for _, r := range rc.Rings {
		r.Deliver = fn
	}
}

// Refill tops up every queue's receive buffers; called once at startup and
// after every reconnect.
func (rc *Receiver) Refill() {
	for _, r := range rc.Rings {
		r.Refill()
	}
}

// Disable drains every queue (spec §4.1 disconnect path, mirrored).
func (rc *Receiver) Disable(ctx context.Context) error {
	for _, r := range rc.Rings {
		if err := r.Disable(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Enable resumes every queue after a reconnect.
func (rc *Receiver) Enable() {
	for _, r := range rc.Rings {
		r.Enable()
	}
}

// FakeResponses drives the backend-gone recovery path on every queue.
func (rc *Receiver) FakeResponses(ctx context.Context) error {
	for _, r := range rc.Rings {
		if err := r.FakeResponses(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Watchdog starts every queue's watchdog goroutine; callers run it with
// `go rc.Watchdog(ctx)`.
func (rc *Receiver) Watchdog(ctx context.Context) {
	done := make(chan struct{}, len(rc.Rings))
	for _, r := range rc.Rings {
		r := r
		go func() {
			r.Watchdog(ctx)
			done <- struct{}{}
		}()
	}
	for range rc.Rings {
		<-done
	}
}
