// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package packet holds the caller-facing data model of spec.md §3:
// Packet, SendInfo, CompletionInfo, MulticastControl, and the control
// Request kinds queued by QueueArp/QueueNeighbourAdvertisement/
// QueueMulticastControl.
package packet

import (
	"net/netip"

	"github.com/oss-vif/vifdrv/mac"
)

// MemoryDescriptor is one {page-frame, offset, length} scatter-list entry
// describing part of a Packet's payload. The driver never copies these
// out of the caller's memory; it only reads them when deciding grant vs
// copy placement (spec §4.4.3 step 6).
type MemoryDescriptor struct {
	PFN    uint64
	Offset uint32
	Length uint32
}

// Offload flags, OR'd together in SendInfo.Offload.
type OffloadFlags uint32

const (
	OffloadIPv4HeaderChecksum OffloadFlags = 1 << iota
	OffloadIPv4TCPChecksum
	OffloadIPv6TCPChecksum
	OffloadTagManipulation
	OffloadLSOIPv4
	OffloadLSOIPv6
)

func (f OffloadFlags) Has(bit OffloadFlags) bool { return f&bit != 0 }

// SendInfo is the caller-supplied description of how to transmit a
// Packet (spec §3).
type SendInfo struct {
	Offload OffloadFlags
	VLANTag uint16 // valid iff Offload.Has(OffloadTagManipulation)
	HasVLAN bool
	MSS     uint16 // valid iff an LSO flag is set
}

// Status is the terminal state of a Packet's completion.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusDropped
	StatusError
)

// CompletionInfo is computed at Prepare-success and filled in as
// responses arrive (spec §4.4.3/.4.4.6).
type CompletionInfo struct {
	Type          mac.Kind
	Status        Status
	PacketLength  int
	PayloadLength int
}

// SetStatus applies the translated response status without ever
// overwriting an already-terminal status (spec §4.4.6 step 2).
func (c *CompletionInfo) SetStatus(s Status) {
	if c.Status != StatusPending {
		return
	}
	c.Status = s
}

// Packet is the caller-supplied opaque record described in spec §3. The
// driver writes Completion and Outstanding, and Prepare adjusts
// Send.Offload (restoring it if Prepare fails); MDLs and Bytes are
// caller-owned and never mutated.
//
// Bytes stands in for the guest pages the MDLs describe: this package has
// no hypervisor memory-management layer to fault in the PFNs a
// MemoryDescriptor names, so Bytes is the frame content addressed by that
// scatter list (header followed contiguously by payload), and MDLs alone
// drive the grant/copy page-count accounting in txring.Prepare.
type Packet struct {
	MDLs       []MemoryDescriptor
	Bytes      []byte
	TotalLen   int
	Send       SendInfo
	Completion CompletionInfo

	// Outstanding is the number of not-yet-responded-to fragments still
	// in flight for this packet (spec §4.4.6: "decrement Packet.Value").
	Outstanding int

	// Linkage is driver-private queue linkage; callers must not inspect
	// or mutate it.
	Linkage any
}

// MulticastAction is Add or Remove for a MulticastControl request.
type MulticastAction int

const (
	MulticastAdd MulticastAction = iota
	MulticastRemove
)

// MulticastControl is an enqueued link-layer multicast add/remove,
// transported as an extra-info slot (spec §3).
type MulticastControl struct {
	Action  MulticastAction
	Address mac.Address
}

// RequestKind identifies a control Request's synthesised-packet shape.
type RequestKind int

const (
	RequestARPGratuitous RequestKind = iota
	RequestNeighbourAdvertisement
	RequestMulticastControl
)

// Request is an enqueued control action that will later produce a
// synthesised packet (spec §3, §4.4.9).
type Request struct {
	Kind      RequestKind
	Multicast MulticastControl // valid iff Kind == RequestMulticastControl
	Address   netip.Addr       // IP address to announce, for ARP/NA kinds
}
