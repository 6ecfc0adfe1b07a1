// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rxring

import (
	"bytes"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/stack/gro"

	"github.com/oss-vif/vifdrv/internal/headers"
)

// groCoalescer wraps gvisor's generic receive offload reassembly, the same
// gro.GRO type wgengine/netstack/link_endpoint.go drives for inbound
// segments on the netstack side of this codebase. Here it coalesces
// same-flow TCP segments landing back-to-back on the rx ring before they
// reach the caller, which is exactly the "reassembly of inbound segments"
// role SPEC_FULL.md assigns gvisor.dev/gvisor in this package.
type groCoalescer struct {
	g        gro.GRO
	dispatch *groDispatcher
}

func newGROCoalescer(deliver func([]byte)) *groCoalescer {
	c := &groCoalescer{dispatch: &groDispatcher{deliver: deliver}}
	c.g.Init(true)
	c.g.Dispatcher = c.dispatch
	return c
}

// enqueue hands one already checksum-validated frame to GRO. Frames that
// cannot be classified into a network protocol GRO understands bypass
// coalescing and are delivered immediately.
func (c *groCoalescer) enqueue(frame []byte) {
	pn, ok := protocolNumber(frame)
	if !ok {
		c.dispatch.deliver(frame)
		return
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(bytes.Clone(frame)),
	})
	pkt.NetworkProtocolNumber = pn
	pkt.RXChecksumValidated = true
	c.g.Enqueue(pkt)
	pkt.DecRef()
}

// flush releases any segments GRO is still holding onto a coalescing
// timer; callers run this from the watchdog so a flow with no further
// segments still reaches the caller promptly.
func (c *groCoalescer) flush() {
	c.g.Flush()
}

func protocolNumber(frame []byte) (tcpip.NetworkProtocolNumber, bool) {
	info, err := headers.Parse(frame)
	if err != nil {
		return 0, false
	}
	switch info.IPVersion {
	case 4:
		return header.IPv4ProtocolNumber, true
	case 6:
		return header.IPv6ProtocolNumber, true
	default:
		return 0, false
	}
}

// groDispatcher adapts GRO's flush callback (a stack.NetworkDispatcher)
// back into the plain []byte frames this package delivers to the caller.
type groDispatcher struct {
	deliver func([]byte)
}

func (d *groDispatcher) DeliverNetworkPacket(_ tcpip.NetworkProtocolNumber, pkt *stack.PacketBuffer) {
	d.deliver(pkt.ToBuffer().Flatten())
}

func (d *groDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {}
