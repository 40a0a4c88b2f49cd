// gVisor network stack assembly
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipstack

import (
	"time"

	"github.com/f-secure-foundry/morpheus/netdev"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// NICID is the single network interface this runtime ever configures;
// there is exactly one NIC driver in play at a time (see netdev).
const NICID tcpip.NICID = 1

// Stack assembles a gVisor tcpip.Stack over a single netdev.Driver,
// grounded on the teacher's own usb_ethernet.go example (same network
// and transport protocol set, same AddAddress/SetRouteTable sequence),
// with the channel.Endpoint that example feeds from USB callbacks
// replaced by PolledEndpoint (see endpoint.go) to fit this runtime's
// single-threaded polled main loop.
type Stack struct {
	*stack.Stack

	endpoint *PolledEndpoint
	addr     tcpip.Address
}

// New builds a stack bound to driver with ARP, IPv4, TCP, UDP and ICMPv4
// support. The interface carries no IPv4 address until Configure is
// called (typically once DHCP completes).
func New(driver netdev.Driver) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocol{
			ipv4.NewProtocol(),
			arp.NewProtocol(),
		},
		TransportProtocols: []stack.TransportProtocol{
			tcp.NewProtocol(),
			udp.NewProtocol(),
			icmp.NewProtocol4(),
		},
	})

	ep := NewPolledEndpoint(driver)

	if err := s.CreateNIC(NICID, ep); err != nil {
		return nil, errorsFromTcpip(err)
	}

	if err := s.AddAddress(NICID, arp.ProtocolNumber, arp.ProtocolAddress); err != nil {
		return nil, errorsFromTcpip(err)
	}

	return &Stack{Stack: s, endpoint: ep}, nil
}

// Poll advances the bridged link endpoint exactly once; see
// PolledEndpoint.Poll for the reentrancy invariant this enforces.
func (s *Stack) Poll() error {
	return s.endpoint.Poll()
}

// Configure installs an IPv4 address/subnet and default gateway on the
// interface, as reported by DHCP (see dhcp.go) or a static configuration.
func (s *Stack) Configure(addr tcpip.Address, prefixLen int, gateway tcpip.Address) error {
	if s.addr != "" {
		s.RemoveAddress(NICID, s.addr)
	}

	if err := s.AddAddress(NICID, ipv4.ProtocolNumber, addr); err != nil {
		return errorsFromTcpip(err)
	}

	s.addr = addr

	mask := tcpip.AddressMask(cidrMask(prefixLen))
	subnet, err := tcpip.NewSubnet(maskAddress(addr, mask), mask)
	if err != nil {
		return err
	}

	routes := []tcpip.Route{{Destination: subnet, NIC: NICID}}

	if gateway != "" {
		defaultSubnet, err := tcpip.NewSubnet(zeroAddress(len(addr)), tcpip.AddressMask(zeroAddress(len(addr))))
		if err != nil {
			return err
		}

		routes = append(routes, tcpip.Route{Destination: defaultSubnet, Gateway: gateway, NIC: NICID})
	}

	s.SetRouteTable(routes)

	return nil
}

// DialUDP opens a UDP socket bound to local (nil picks an ephemeral
// port) and associated with remote. DHCP binds port 68 and addresses
// the broadcast address, since it has no peer address before a lease is
// granted.
func (s *Stack) DialUDP(local, remote *tcpip.FullAddress) (*gonet.PacketConn, error) {
	return gonet.DialUDP(s.Stack, local, remote, ipv4.ProtocolNumber)
}

func cidrMask(prefixLen int) []byte {
	mask := make([]byte, 4)

	for i := 0; i < prefixLen; i++ {
		mask[i/8] |= 1 << uint(7-i%8)
	}

	return mask
}

func maskAddress(addr tcpip.Address, mask tcpip.AddressMask) tcpip.Address {
	out := make([]byte, len(addr))

	for i := range out {
		out[i] = addr[i] & mask[i]
	}

	return tcpip.Address(out)
}

func zeroAddress(n int) []byte {
	return make([]byte, n)
}

// errorsFromTcpip adapts gVisor's *tcpip.Error into a standard error so
// callers outside this package never need to import gvisor.dev/gvisor
// themselves.
func errorsFromTcpip(err *tcpip.Error) error {
	if err == nil {
		return nil
	}

	return errString(err.String())
}

type errString string

func (e errString) Error() string { return string(e) }

// pollInterval is an idle rate limit for Poll; it is unexported and
// nothing references it, since the main loop calls Poll unconditionally
// every iteration.
const pollInterval = time.Millisecond
