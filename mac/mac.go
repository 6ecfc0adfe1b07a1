// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package mac is the minimal stand-in for the out-of-scope Mac collaborator
// (spec.md §1): it holds the link-layer address and MTU that the rest of
// the core reads but never computes.
package mac

import "fmt"

// Address is a 6-byte link-layer address.
type Address [6]byte

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsMulticast reports whether a is a multicast (including broadcast)
// address: the low bit of the first octet is set.
func (a Address) IsMulticast() bool {
	return a[0]&0x01 != 0
}

// IsBroadcast reports whether a is the all-ones broadcast address.
func (a Address) IsBroadcast() bool {
	return a == Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// Kind classifies a destination address (spec §3 CompletionInfo).
type Kind int

const (
	Unicast Kind = iota
	Multicast
	Broadcast
)

func (a Address) Kind() Kind {
	switch {
	case a.IsBroadcast():
		return Broadcast
	case a.IsMulticast():
		return Multicast
	default:
		return Unicast
	}
}

// Mac holds the permanent and current link-layer address plus MTU for one
// VIF instance.
type Mac struct {
	Permanent Address
	Current   Address
	MTU       uint32
}

func New(permanent Address, mtu uint32) *Mac {
	return &Mac{Permanent: permanent, Current: permanent, MTU: mtu}
}
