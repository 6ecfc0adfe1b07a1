// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package config models the driver parameters named in spec.md §6
// (FrontendMaxQueues, TransmitterDisableIpVersion4Gso,
// TransmitterDisableIpVersion6Gso, TransmitterAlwaysCopy) as a small
// preference container adapted from the teacher's types/prefs idiom:
// Item[T] distinguishes "explicitly set" from "unset, use the negotiated
// default", which matters here because a disable-GSO knob must override a
// value the backend negotiates over the store, not just a local zero
// value.
package config

// Item is a single configurable knob: either unset (fall back to
// whatever the frontend negotiates with the backend) or explicitly set by
// the operator, overriding negotiation.
type Item[T any] struct {
	value T
	set   bool
}

// ItemOf returns an explicitly-set Item.
func ItemOf[T any](v T) Item[T] { return Item[T]{value: v, set: true} }

// HasValue reports whether the item was explicitly set.
func (i Item[T]) HasValue() bool { return i.set }

// Value returns the explicitly-set value, or def if the item is unset.
func (i Item[T]) Value(def T) T {
	if !i.set {
		return def
	}
	return i.value
}

// ValueOk returns the explicitly-set value and true, or the zero value and
// false if unset.
func (i Item[T]) ValueOk() (T, bool) { return i.value, i.set }

// Equal reports whether i and o carry the same set state and value.
func (i Item[T]) Equal(o Item[T]) bool {
	if i.set != o.set {
		return false
	}
	if !i.set {
		return true
	}
	return any(i.value) == any(o.value)
}

// Params holds every driver parameter named in spec.md §6, as read from
// wherever the host's control plane stores driver configuration (registry,
// module parameters, …) before FrontendFSM starts negotiating with the
// backend.
type Params struct {
	// FrontendMaxQueues upper-bounds the per-CPU parallel queue count
	// frontend negotiates against the backend's multi-queue-max-queues.
	FrontendMaxQueues Item[int]

	// TransmitterDisableIpVersion4Gso/6Gso force feature-gso-tcpv4/6=0
	// locally even if the backend advertises support.
	TransmitterDisableIPv4GSO Item[bool]
	TransmitterDisableIPv6GSO Item[bool]

	// TransmitterAlwaysCopy always bounce-copies payload, never grants
	// (resolves to txring.PolicyCopy regardless of negotiation).
	TransmitterAlwaysCopy Item[bool]
}

// DefaultFrontendMaxQueues is used when the operator never set
// FrontendMaxQueues explicitly.
const DefaultFrontendMaxQueues = 8
