// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package headers is the in-tree stand-in for the external packet-parser
// library named as an out-of-scope collaborator in spec.md §1/§6. It
// extracts just enough of the L2/L3/L4 header shape for TxRing.Prepare and
// RxRing's symmetric receive-side validation to do header fix-up and
// checksum offload framing (spec §4.4.3).
//
// The shape mirrors tailscale.com/net/packet's Parsed struct (as consumed
// by wgengine/netstack/link_endpoint.go's rxChecksumOffload): a flat set of
// byte offsets into the original buffer rather than a tree of sub-slices,
// so Prepare can mutate the buffer in place and just patch the offsets it
// cares about.
package headers

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// IPProto identifies the L4 protocol carried by an IP packet.
type IPProto uint8

const (
	ProtoUnknown IPProto = 0
	ProtoICMP    IPProto = 1
	ProtoTCP     IPProto = 6
	ProtoUDP     IPProto = 17
	ProtoICMPv6  IPProto = 58
)

const (
	EthernetHeaderLen = 14
	EthertypeIPv4     = 0x0800
	EthertypeIPv6     = 0x86DD
	EthertypeARP      = 0x0806
	EthertypeVLAN     = 0x8100
)

// Info is the parsed header shape of one packet's leading bytes.
type Info struct {
	IPVersion int // 4 or 6, 0 if neither

	EthernetOffset int
	EthertypeOffset int

	IPOffset       int
	IPOptionsLen   int // IPv4 only
	IPHeaderLen    int
	IPTotalLen     int // value currently stored in the header

	L4Offset int
	IPProto  IPProto

	TCPOffset      int
	TCPChecksumOff int // offset of the checksum field within the buffer

	IsAFragment bool // IPv4 MF bit or non-zero fragment offset

	Src, Dst netip.Addr

	TotalHeaderLen int // EthernetHeaderLen + IPHeaderLen(+opts) + L4 header len, before payload
}

var ErrShort = errors.New("headers: buffer too short to parse")
var ErrUnsupported = errors.New("headers: unsupported header shape")

// Parse extracts Info from a buffer containing at least an Ethernet
// header. It never mutates buf.
func Parse(buf []byte) (Info, error) {
	var info Info
	if len(buf) < EthernetHeaderLen {
		return info, ErrShort
	}
	info.EthernetOffset = 0
	info.EthertypeOffset = 12
	ethertype := binary.BigEndian.Uint16(buf[12:14])
	ipStart := EthernetHeaderLen
	if ethertype == EthertypeVLAN {
		if len(buf) < EthernetHeaderLen+4 {
			return info, ErrShort
		}
		ethertype = binary.BigEndian.Uint16(buf[16:18])
		ipStart = EthernetHeaderLen + 4
	}

	switch ethertype {
	case EthertypeIPv4:
		if len(buf) < ipStart+20 {
			return info, ErrShort
		}
		info.IPVersion = 4
		info.IPOffset = ipStart
		ihl := int(buf[ipStart]&0x0F) * 4
		if ihl < 20 || len(buf) < ipStart+ihl {
			return info, ErrShort
		}
		info.IPHeaderLen = 20
		info.IPOptionsLen = ihl - 20
		info.IPTotalLen = int(binary.BigEndian.Uint16(buf[ipStart+2 : ipStart+4]))
		flagsFrag := binary.BigEndian.Uint16(buf[ipStart+6 : ipStart+8])
		info.IsAFragment = flagsFrag&0x1FFF != 0 || flagsFrag&0x2000 != 0
		info.IPProto = IPProto(buf[ipStart+9])
		info.Src, _ = netip.AddrFromSlice(buf[ipStart+12 : ipStart+16])
		info.Dst, _ = netip.AddrFromSlice(buf[ipStart+16 : ipStart+20])
		info.L4Offset = ipStart + ihl

	case EthertypeIPv6:
		if len(buf) < ipStart+40 {
			return info, ErrShort
		}
		info.IPVersion = 6
		info.IPOffset = ipStart
		info.IPHeaderLen = 40
		info.IPTotalLen = int(binary.BigEndian.Uint16(buf[ipStart+4:ipStart+6])) + 40
		info.IPProto = IPProto(buf[ipStart+6])
		info.Src, _ = netip.AddrFromSlice(buf[ipStart+8 : ipStart+24])
		info.Dst, _ = netip.AddrFromSlice(buf[ipStart+24 : ipStart+40])
		info.L4Offset = ipStart + 40

	case EthertypeARP:
		info.TotalHeaderLen = len(buf)
		return info, nil

	default:
		return info, ErrUnsupported
	}

	totalHeader := info.L4Offset
	switch info.IPProto {
	case ProtoTCP:
		if len(buf) < info.L4Offset+20 {
			return info, ErrShort
		}
		info.TCPOffset = info.L4Offset
		info.TCPChecksumOff = info.L4Offset + 16
		dataOff := int(buf[info.L4Offset+12]>>4) * 4
		totalHeader = info.L4Offset + dataOff
	case ProtoUDP:
		totalHeader = info.L4Offset + 8
	}
	info.TotalHeaderLen = totalHeader
	return info, nil
}

// ShiftVLANInsertionPoint returns the buffer offset at which a 4-byte
// 802.1Q tag should be inserted in an Ethernet frame (spec §4.4.3 step
// 2): immediately after the source MAC, before the
// ethertype/VLAN field.
func ShiftVLANInsertionPoint() int { return 12 }
