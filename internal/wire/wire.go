// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package wire implements the on-the-wire shared-ring record formats
// described in spec.md §6 ("Wire"): fixed little-endian records written
// into the single 4 KiB page shared with the backend.
//
// The protocol defines three record shapes that all live in the same
// slot array: a transmit/receive request, a response, and an out-of-band
// extra-info continuation (GSO parameters or a multicast-control opcode).
// Requests are 12 bytes and responses are 4 bytes, but an extra-info slot
// carries a 30-byte payload; rather than reinterpret-cast a C union we
// size every slot at the extra-info footprint and let requests/responses
// use a leading prefix of it. That keeps Capacity a simple division and
// keeps the Go side free of unsafe reinterpretation (see DESIGN.md, Open
// Question: ring slot sizing).
package wire

import "encoding/binary"

const (
	// PageSize is the size of the single shared ring page.
	PageSize = 4096
	// SlotSize is the footprint reserved per ring slot; large enough to
	// hold the biggest record variant (ExtraInfo).
	SlotSize = 32
	// Capacity is the number of slots the ring holds.
	Capacity = PageSize / SlotSize
)

// Request flag bits.
const (
	FlagCsumBlank     uint16 = 1 << 0
	FlagDataValidated uint16 = 1 << 1
	FlagMoreData      uint16 = 1 << 2
	FlagExtraInfo     uint16 = 1 << 3
)

// Response status codes.
type Status int16

const (
	StatusOkay    Status = 0
	StatusDropped Status = -2
	StatusError   Status = -3
	StatusNull    Status = 1
)

// Request is one transmit (or receive) ring request record.
type Request struct {
	ID     uint16
	Gref   uint32
	Offset uint16
	Flags  uint16
	Size   uint16
}

// EncodeRequest writes r into the leading 12 bytes of slot, which must be
// at least SlotSize bytes long.
func EncodeRequest(slot []byte, r Request) {
	_ = slot[11]
	binary.LittleEndian.PutUint16(slot[0:2], r.ID)
	binary.LittleEndian.PutUint32(slot[2:6], r.Gref)
	binary.LittleEndian.PutUint16(slot[6:8], r.Offset)
	binary.LittleEndian.PutUint16(slot[8:10], r.Flags)
	binary.LittleEndian.PutUint16(slot[10:12], r.Size)
}

// DecodeRequest reads a Request back out of slot.
func DecodeRequest(slot []byte) Request {
	_ = slot[11]
	return Request{
		ID:     binary.LittleEndian.Uint16(slot[0:2]),
		Gref:   binary.LittleEndian.Uint32(slot[2:6]),
		Offset: binary.LittleEndian.Uint16(slot[6:8]),
		Flags:  binary.LittleEndian.Uint16(slot[8:10]),
		Size:   binary.LittleEndian.Uint16(slot[10:12]),
	}
}

// Response is one transmit (or receive) ring response record.
type Response struct {
	ID     uint16
	Status Status
}

// EncodeResponse writes r into the leading 4 bytes of slot.
func EncodeResponse(slot []byte, r Response) {
	_ = slot[3]
	binary.LittleEndian.PutUint16(slot[0:2], r.ID)
	binary.LittleEndian.PutUint16(slot[2:4], uint16(r.Status))
}

// DecodeResponse reads a Response back out of slot.
func DecodeResponse(slot []byte) Response {
	_ = slot[3]
	return Response{
		ID:     binary.LittleEndian.Uint16(slot[0:2]),
		Status: Status(int16(binary.LittleEndian.Uint16(slot[2:4]))),
	}
}

// Extra-info slot types.
const (
	ExtraGSO       uint8 = 1
	ExtraMcastAdd  uint8 = 2
	ExtraMcastDel  uint8 = 3
)

// GSO segment types carried in an ExtraInfo of type ExtraGSO.
const (
	GSOTCPv4 uint8 = 1
	GSOTCPv6 uint8 = 2
)

// ExtraInfo is the out-of-band continuation slot used for GSO parameters
// and multicast-control opcodes (spec §6).
type ExtraInfo struct {
	Type    uint8
	Flags   uint8
	Payload [30]byte
}

// EncodeExtraInfo writes e into slot, which must be SlotSize bytes long.
func EncodeExtraInfo(slot []byte, e ExtraInfo) {
	_ = slot[31]
	slot[0] = e.Type
	slot[1] = e.Flags
	copy(slot[2:32], e.Payload[:])
}

// DecodeExtraInfo reads an ExtraInfo back out of slot.
func DecodeExtraInfo(slot []byte) ExtraInfo {
	_ = slot[31]
	var e ExtraInfo
	e.Type = slot[0]
	e.Flags = slot[1]
	copy(e.Payload[:], slot[2:32])
	return e
}

// GSOPayload is the Payload layout for an ExtraInfo of Type ExtraGSO.
type GSOPayload struct {
	SegType uint8
	Size    uint16
}

func EncodeGSOPayload(p GSOPayload) (payload [30]byte) {
	payload[0] = p.SegType
	binary.LittleEndian.PutUint16(payload[1:3], p.Size)
	return payload
}

func DecodeGSOPayload(payload [30]byte) GSOPayload {
	return GSOPayload{
		SegType: payload[0],
		Size:    binary.LittleEndian.Uint16(payload[1:3]),
	}
}

// RxRequest is one receive-ring request: the frontend offering a granted
// page for the backend to fill (spec §2 RxRing, mirrored from the
// transmit Request shape per the Design Notes' "symmetric, not detailed"
// guidance). It carries no offset/flags/size: those belong to the backend
// and come back on the response.
type RxRequest struct {
	ID   uint16
	Gref uint32
}

func EncodeRxRequest(slot []byte, r RxRequest) {
	_ = slot[5]
	binary.LittleEndian.PutUint16(slot[0:2], r.ID)
	binary.LittleEndian.PutUint32(slot[2:6], r.Gref)
}

func DecodeRxRequest(slot []byte) RxRequest {
	_ = slot[5]
	return RxRequest{
		ID:   binary.LittleEndian.Uint16(slot[0:2]),
		Gref: binary.LittleEndian.Uint32(slot[2:6]),
	}
}

// Receive-side response flags (mirrors NETRXF_* in the real protocol).
const (
	RxFlagDataValidated uint16 = 1 << 0
	RxFlagCsumBlank     uint16 = 1 << 1
	RxFlagMoreData      uint16 = 1 << 2
	RxFlagExtraInfo     uint16 = 1 << 3
)

// RxResponse is one receive-ring response: where in the granted page the
// backend landed a frame, how many bytes, and flags. Status doubles as a
// length when >= 0 (a successful delivery); negative values are the same
// Status codes as the transmit side (StatusDropped/StatusError).
type RxResponse struct {
	ID     uint16
	Offset uint16
	Flags  uint16
	Status Status
}

func EncodeRxResponse(slot []byte, r RxResponse) {
	_ = slot[7]
	binary.LittleEndian.PutUint16(slot[0:2], r.ID)
	binary.LittleEndian.PutUint16(slot[2:4], r.Offset)
	binary.LittleEndian.PutUint16(slot[4:6], r.Flags)
	binary.LittleEndian.PutUint16(slot[6:8], uint16(r.Status))
}

func DecodeRxResponse(slot []byte) RxResponse {
	_ = slot[7]
	return RxResponse{
		ID:     binary.LittleEndian.Uint16(slot[0:2]),
		Offset: binary.LittleEndian.Uint16(slot[2:4]),
		Flags:  binary.LittleEndian.Uint16(slot[4:6]),
		Status: Status(int16(binary.LittleEndian.Uint16(slot[6:8]))),
	}
}

// MulticastPayload is the Payload layout for ExtraMcastAdd/ExtraMcastDel:
// a single 6-byte link-layer address.
type MulticastPayload struct {
	Addr [6]byte
}

func EncodeMulticastPayload(p MulticastPayload) (payload [30]byte) {
	copy(payload[0:6], p.Addr[:])
	return payload
}

func DecodeMulticastPayload(payload [30]byte) MulticastPayload {
	var p MulticastPayload
	copy(p.Addr[:], payload[0:6])
	return p
}
