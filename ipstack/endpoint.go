// Synchronous link endpoint bridging a netdev.Driver to gVisor's network
// stack
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipstack wires a netdev.Driver into gVisor's tcpip stack the
// same way the teacher framework's own example USB-Ethernet gadget does
// (gvisor.dev/gvisor/pkg/tcpip/stack, tcpip/network/{arp,ipv4},
// tcpip/transport/{tcp,udp,icmp}, tcpip/adapters/gonet): that example
// wires a channel.Endpoint fed by USB bulk transfer callbacks. This
// runtime has no interrupt-driven callback path (the whole system is a
// single-threaded polled main loop), so package ipstack replaces
// channel.Endpoint with PolledEndpoint: a stack.LinkEndpoint driven by
// one explicit Poll call per main-loop iteration instead of a buffered
// channel fed from elsewhere.
package ipstack

import (
	"encoding/binary"
	"errors"

	"github.com/f-secure-foundry/morpheus/netdev"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// ErrReentrantPoll is the value Poll panics with if it is ever invoked
// while a prior Poll call on the same endpoint has not returned
// — the bridged stack is not reentrant, and the orchestrator's main loop
// invariant is exactly one Poll call per iteration.
var ErrReentrantPoll = errors.New("ipstack: reentrant Poll call")

// rxStagingSize is the fixed receive staging buffer size: large enough
// for a full Ethernet frame plus the VirtIO-net device header the netdev
// driver already strips.
const rxStagingSize = 2048

const ethernetHeaderLength = 14

// PolledEndpoint is a stack.LinkEndpoint that pulls at most one frame
// from a netdev.Driver per explicit Poll call, and pushes transmits
// straight through to the driver from within WritePacket — there is no
// separate TX queue to drain, which is why the main loop's "TX drain"
// phase is a no-op by design (see package orchestrator).
type PolledEndpoint struct {
	driver  netdev.Driver
	linkAddr tcpip.LinkAddress

	dispatcher stack.NetworkDispatcher

	rx [rxStagingSize]byte

	polling bool
}

// NewPolledEndpoint wraps driver for use as a stack.LinkEndpoint.
func NewPolledEndpoint(driver netdev.Driver) *PolledEndpoint {
	mac := driver.MACAddress()

	return &PolledEndpoint{
		driver:   driver,
		linkAddr: tcpip.LinkAddress(mac[:]),
	}
}

func (e *PolledEndpoint) MTU() uint32 { return netdev.MaxFrame - ethernetHeaderLength }

func (e *PolledEndpoint) Capabilities() stack.LinkEndpointCapabilities { return 0 }

func (e *PolledEndpoint) MaxHeaderLength() uint16 { return ethernetHeaderLength }

func (e *PolledEndpoint) LinkAddress() tcpip.LinkAddress { return e.linkAddr }

func (e *PolledEndpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
}

func (e *PolledEndpoint) IsAttached() bool { return e.dispatcher != nil }

// Wait is a no-op: there is no background goroutine driving this
// endpoint to wait for, everything happens synchronously inside Poll and
// WritePacket.
func (e *PolledEndpoint) Wait() {}

func etherType(protocol tcpip.NetworkProtocolNumber) uint16 {
	switch protocol {
	case header.IPv4ProtocolNumber:
		return 0x0800
	case header.ARPProtocolNumber:
		return 0x0806
	default:
		return 0
	}
}

func (e *PolledEndpoint) writeFrame(remote tcpip.LinkAddress, protocol tcpip.NetworkProtocolNumber, payload buffer.VectorisedView) *tcpip.Error {
	frame := make([]byte, ethernetHeaderLength, ethernetHeaderLength+payload.Size())

	copy(frame[0:6], remote)
	copy(frame[6:12], e.linkAddr)
	binary.BigEndian.PutUint16(frame[12:14], etherType(protocol))

	for _, v := range payload.Views() {
		frame = append(frame, v...)
	}

	if err := e.driver.Transmit(frame); err != nil {
		return tcpip.ErrInvalidEndpointState
	}

	e.driver.Notify()

	return nil
}

func (e *PolledEndpoint) WritePacket(r *stack.Route, _ *stack.GSO, protocol tcpip.NetworkProtocolNumber, pkt tcpip.PacketBuffer) *tcpip.Error {
	vv := buffer.NewVectorisedView(len(pkt.Header.View())+pkt.Data.Size(), append([]buffer.View{pkt.Header.View()}, pkt.Data.Views()...))

	return e.writeFrame(r.RemoteLinkAddress, protocol, vv)
}

func (e *PolledEndpoint) WritePackets(r *stack.Route, gso *stack.GSO, pkts []tcpip.PacketBuffer, protocol tcpip.NetworkProtocolNumber) (int, *tcpip.Error) {
	for i, pkt := range pkts {
		if err := e.WritePacket(r, gso, protocol, pkt); err != nil {
			return i, err
		}
	}

	return len(pkts), nil
}

func (e *PolledEndpoint) WriteRawPacket(buffer.VectorisedView) *tcpip.Error {
	return tcpip.ErrNotSupported
}

// Poll pulls at most one received frame from the driver into the fixed
// staging buffer and, if present, dispatches it into the stack. Called
// exactly once per main-loop iteration (see orchestrator.Loop). The
// bridged stack is not reentrant: a recursive Poll call (e.g. from a
// callback invoked while this call is dispatching) is a fatal
// programming error, not a recoverable one, so it panics rather than
// returning ErrReentrantPoll.
func (e *PolledEndpoint) Poll() error {
	if e.polling {
		panic(ErrReentrantPoll)
	}

	e.polling = true
	defer func() { e.polling = false }()

	n, ok := e.driver.Receive(e.rx[:])
	if !ok || n < ethernetHeaderLength {
		return nil
	}

	if e.dispatcher == nil {
		return nil
	}

	dst := tcpip.LinkAddress(e.rx[0:6])
	src := tcpip.LinkAddress(e.rx[6:12])
	proto := binary.BigEndian.Uint16(e.rx[12:14])

	var protocol tcpip.NetworkProtocolNumber
	switch proto {
	case 0x0800:
		protocol = header.IPv4ProtocolNumber
	case 0x0806:
		protocol = header.ARPProtocolNumber
	default:
		return nil
	}

	payload := make([]byte, n-ethernetHeaderLength)
	copy(payload, e.rx[ethernetHeaderLength:n])

	pkt := tcpip.PacketBuffer{
		Data: buffer.View(payload).ToVectorisedView(),
	}

	e.dispatcher.DeliverNetworkPacket(src, dst, protocol, pkt)

	return nil
}

var _ stack.LinkEndpoint = (*PolledEndpoint)(nil)
