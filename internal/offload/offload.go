// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package offload implements the header fix-ups TxRing.Prepare performs
// for VLAN tag insertion, large-send offload, and checksum offload
// framing (spec.md §4.4.3 steps 2/3/5). Checksum primitives are the same
// ones wgengine/netstack/link_endpoint.go uses for RX checksum validation
// (tun.Checksum / tun.PseudoHeaderChecksum), reused here for the mirrored
// TX-side computation.
package offload

import (
	"encoding/binary"

	"github.com/tailscale/wireguard-go/tun"
	"github.com/oss-vif/vifdrv/internal/headers"
)

// InsertVLANTag shifts buf[12:n] four bytes later in place and writes the
// 802.1Q tag {0x8100, tci} at offset 12. buf must have at least 4 bytes of
// spare capacity beyond n (the bounce buffer is page-sized, n is a few
// dozen bytes, so this always holds in practice). It returns the new
// length.
func InsertVLANTag(buf []byte, n int, tci uint16) int {
	const insertAt = 12
	copy(buf[insertAt+4:n+4], buf[insertAt:n])
	binary.BigEndian.PutUint16(buf[insertAt:insertAt+2], headers.EthertypeVLAN)
	binary.BigEndian.PutUint16(buf[insertAt+2:insertAt+4], tci)
	return n + 4
}

// RewriteIPv4TotalLength patches the IPv4 total-length field to l3Len
// (spec §4.4.3 step 3, IPv4 branch).
func RewriteIPv4TotalLength(buf []byte, ipOffset, l3Len int) {
	binary.BigEndian.PutUint16(buf[ipOffset+2:ipOffset+4], uint16(l3Len))
}

// RewriteIPv6PayloadLength patches the IPv6 payload-length field
// (everything after the 40-byte fixed header) to payloadLen.
func RewriteIPv6PayloadLength(buf []byte, ipOffset, payloadLen int) {
	binary.BigEndian.PutUint16(buf[ipOffset+4:ipOffset+6], uint16(payloadLen))
}

// RecomputeIPv4HeaderChecksum zeroes and rewrites the IPv4 header
// checksum field (spec §4.4.3 step 5).
func RecomputeIPv4HeaderChecksum(buf []byte, ipOffset, ipHeaderLen int) {
	binary.BigEndian.PutUint16(buf[ipOffset+10:ipOffset+12], 0)
	csum := tun.Checksum(buf[ipOffset:ipOffset+ipHeaderLen], 0)
	binary.BigEndian.PutUint16(buf[ipOffset+10:ipOffset+12], ^csum)
}

// RecomputeTCPPseudoChecksum recomputes and writes the TCP checksum field
// using the IP pseudo-header, leaving the actual payload checksum for the
// backend to finish once it has reassembled full segments (spec §4.4.3
// step 3: "recompute the TCP pseudo-header checksum").
func RecomputeTCPPseudoChecksum(buf []byte, info headers.Info, l4Len int) {
	binary.BigEndian.PutUint16(buf[info.TCPChecksumOff:info.TCPChecksumOff+2], 0)
	pseudo := tun.PseudoHeaderChecksum(uint8(info.IPProto), info.Src.AsSlice(), info.Dst.AsSlice(), uint16(l4Len))
	binary.BigEndian.PutUint16(buf[info.TCPChecksumOff:info.TCPChecksumOff+2], ^pseudo)
}

// RecomputeICMPv6Checksum fills in the ICMPv6 checksum field over a fully
// driver-built frame (no backend completion expected, unlike the TCP
// pseudo-header seed above): pseudo-header plus the full ICMPv6 message.
// Used for the synthesised Neighbor Advertisement frames txring posts on
// address changes.
func RecomputeICMPv6Checksum(buf []byte, ipOffset, icmpOffset, icmpLen int) {
	binary.BigEndian.PutUint16(buf[icmpOffset+2:icmpOffset+4], 0)
	src := buf[ipOffset+8 : ipOffset+24]
	dst := buf[ipOffset+24 : ipOffset+40]
	pseudo := tun.PseudoHeaderChecksum(58, src, dst, uint16(icmpLen))
	full := tun.Checksum(buf[icmpOffset:icmpOffset+icmpLen], pseudo)
	binary.BigEndian.PutUint16(buf[icmpOffset+2:icmpOffset+4], ^full)
}

// PadRunt zero-pads buf up to the 60-byte Ethernet minimum, returning the new
// length. Used for the runt-packet case in spec §4.4.3 step 6 / S3.
func PadRunt(buf []byte, n int) int {
	const min = 60
	if n >= min {
		return n
	}
	for i := n; i < min; i++ {
		buf[i] = 0
	}
	return min
}

// ValidateIPv4HeaderChecksum reports whether buf's IPv4 header checksum is
// correct, the rx-side mirror of RecomputeIPv4HeaderChecksum. Grounded on
// wgengine/netstack/link_endpoint.go's rxChecksumOffload, which runs this
// same check before handing a frame to the dispatcher.
func ValidateIPv4HeaderChecksum(buf []byte, ipOffset, ipHeaderLen int) bool {
	if len(buf) < ipOffset+ipHeaderLen {
		return false
	}
	return ^tun.Checksum(buf[ipOffset:ipOffset+ipHeaderLen], 0) == 0
}

// ValidateL4Checksum reports whether the TCP/UDP checksum covering
// buf[info.L4Offset:] is correct, given the IP pseudo-header described by
// info. Only meaningful when info.IPProto is TCP or UDP.
func ValidateL4Checksum(buf []byte, info headers.Info) bool {
	if len(buf) < info.L4Offset {
		return false
	}
	l4Len := len(buf) - info.L4Offset
	pseudo := tun.PseudoHeaderChecksum(uint8(info.IPProto), info.Src.AsSlice(), info.Dst.AsSlice(), uint16(l4Len))
	return ^tun.Checksum(buf[info.L4Offset:], pseudo) == 0
}
