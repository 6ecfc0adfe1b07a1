// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package xerr holds the sentinel error kinds surfaced by the VIF core
// (spec §7). Components wrap these with fmt.Errorf("...: %w", ...) so
// callers can still errors.Is against the kind.
package xerr

import "errors"

var (
	// OutOfResources is returned when no memory is available for a
	// buffer, fragment, or request descriptor.
	OutOfResources = errors.New("vif: out of resources")

	// RingFull names a transiently exceeded ring slot budget. No code
	// path returns it: the transmit ring reports that case by postLocked
	// returning false and a stats.RingFull count, and retries once
	// responses drain.
	RingFull = errors.New("vif: ring full")

	// PayloadTooFragmented is never surfaced to a caller: it triggers an
	// internal fall back from grant to copy placement.
	PayloadTooFragmented = errors.New("vif: payload too fragmented for grant placement")

	// PacketTooLarge is surfaced as a caller-visible DROPPED completion
	// when a non-offloaded packet exceeds the interface MTU.
	PacketTooLarge = errors.New("vif: packet exceeds mtu")

	// BackendGone names the no-progress, backend-not-Connected condition
	// that the FakeResponses recovery flow handles. No code path returns
	// it; the watchdogs only re-notify and poll.
	BackendGone = errors.New("vif: backend gone")

	// FeatureMissing marks a multicast-control request that the backend
	// never advertised support for. QueueMulticastControl returns no
	// error: the transmit ring detects this when it schedules the
	// request, logs it and drops the request.
	FeatureMissing = errors.New("vif: feature not advertised by backend")
)
