// DHCPv4 client
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipstack

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/f-secure-foundry/morpheus/internal/rng"
	"github.com/f-secure-foundry/morpheus/netdev"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// Lease is the subset of a DHCPv4 ACK this runtime acts on.
type Lease struct {
	Address   tcpip.Address
	PrefixLen int
	Gateway   tcpip.Address
	DNS       []tcpip.Address
	LeaseTime time.Duration
}

// Event is what a DHCPClient.Step observed this iteration.
type Event int

const (
	// EventNone means the exchange is still in progress (or idle); no
	// state change for the caller to act on.
	EventNone Event = iota
	// EventConfigured means a lease was just acquired; call Lease() to
	// read it.
	EventConfigured
	// EventDeconfigured means a previously held lease has expired.
	EventDeconfigured
)

type dhcpPhase int

const (
	phaseIdle dhcpPhase = iota
	phaseDiscovering
	phaseRequesting
	phaseBound
)

const dhcpClientPort = 68
const dhcpServerPort = 67

// broadcastAddress is 255.255.255.255, the only destination a DHCPv4
// client can address before it has a unicast lease.
var broadcastAddress = tcpip.Address([]byte{255, 255, 255, 255})

// DHCPClient drives a DISCOVER/OFFER/REQUEST/ACK exchange one
// non-blocking Step at a time, reusing github.com/insomniacslk/dhcp's
// message construction and parsing rather than hand-rolling DHCP option
// encoding. It never blocks: every socket read uses an immediate
// deadline, matching the main loop's "exactly one stack poll per
// iteration, nothing suspends" requirement (spec.md §4.12/§5) — unlike
// nclient4.Client.Request, which performs the whole exchange as one
// blocking call and so cannot be driven from inside the polled loop.
type DHCPClient struct {
	stack  *Stack
	conn   *gonet.PacketConn
	hwaddr net.HardwareAddr

	phase dhcpPhase
	xid   dhcpv4.TransactionID
	offer *dhcpv4.DHCPv4
	drbg  *rng.DRBG

	lease      Lease
	boundAt    uint64
	leaseTicks uint64

	freqHz  uint64
	counter func() uint64
}

// NewDHCPClient builds a client bound to driver's hardware address.
// freqHz is the calibrated TSC frequency (see package cpu), used only
// to translate a lease's duration into tick counts for expiry checks;
// counter reads the current tick count.
func NewDHCPClient(stack *Stack, driver netdev.Driver, freqHz uint64, counter func() uint64) *DHCPClient {
	mac := driver.MACAddress()

	drbg := &rng.DRBG{}
	binary.LittleEndian.PutUint64(drbg.Seed[:8], counter())
	binary.LittleEndian.PutUint64(drbg.Seed[8:16], uint64(time.Now().UnixNano()))

	return &DHCPClient{
		stack:   stack,
		hwaddr:  net.HardwareAddr(mac[:]),
		freqHz:  freqHz,
		counter: counter,
		drbg:    drbg,
	}
}

// Step advances the DHCP exchange by at most one non-blocking socket
// operation and returns what happened.
func (c *DHCPClient) Step() (Event, error) {
	switch c.phase {
	case phaseIdle:
		return EventNone, c.startDiscover()
	case phaseDiscovering:
		return c.pollOffer()
	case phaseRequesting:
		return c.pollAck()
	case phaseBound:
		return c.checkExpiry(), nil
	}

	return EventNone, nil
}

func (c *DHCPClient) ensureConn() error {
	if c.conn != nil {
		return nil
	}

	local := &tcpip.FullAddress{Port: dhcpClientPort}
	remote := &tcpip.FullAddress{Addr: broadcastAddress, Port: dhcpServerPort}

	conn, err := c.stack.DialUDP(local, remote)
	if err != nil {
		return err
	}

	c.conn = conn

	return nil
}

func (c *DHCPClient) startDiscover() error {
	if err := c.ensureConn(); err != nil {
		return err
	}

	c.xid = c.newTransactionID()

	discover, err := dhcpv4.NewDiscovery(c.hwaddr, dhcpv4.WithTransactionID(c.xid))
	if err != nil {
		return err
	}

	if _, err := c.conn.Write(discover.ToBytes()); err != nil {
		return err
	}

	c.phase = phaseDiscovering

	return nil
}

func (c *DHCPClient) pollOffer() (Event, error) {
	msg, ok, err := c.readMatching()
	if err != nil || !ok {
		return EventNone, err
	}

	if msg.MessageType() != dhcpv4.MessageTypeOffer {
		return EventNone, nil
	}

	c.offer = msg

	request, err := dhcpv4.NewRequestFromOffer(msg, dhcpv4.WithTransactionID(c.xid))
	if err != nil {
		return EventNone, err
	}

	if _, err := c.conn.Write(request.ToBytes()); err != nil {
		return EventNone, err
	}

	c.phase = phaseRequesting

	return EventNone, nil
}

func (c *DHCPClient) pollAck() (Event, error) {
	msg, ok, err := c.readMatching()
	if err != nil || !ok {
		return EventNone, err
	}

	switch msg.MessageType() {
	case dhcpv4.MessageTypeNak:
		c.phase = phaseIdle
		return EventNone, nil
	case dhcpv4.MessageTypeAck:
		lease, err := leaseFromACK(msg)
		if err != nil {
			return EventNone, err
		}

		c.lease = lease
		c.phase = phaseBound
		c.boundAt = c.counter()
		c.leaseTicks = durationToTicks(lease.LeaseTime, c.freqHz)

		return EventConfigured, nil
	}

	return EventNone, nil
}

func (c *DHCPClient) checkExpiry() Event {
	if c.leaseTicks == 0 {
		return EventNone
	}

	if c.counter()-c.boundAt >= c.leaseTicks {
		c.phase = phaseIdle
		c.leaseTicks = 0

		return EventDeconfigured
	}

	return EventNone
}

// readMatching performs one non-blocking read and returns a parsed
// DHCPv4 message whose transaction ID matches this exchange, or ok ==
// false if nothing usable arrived this call.
func (c *DHCPClient) readMatching() (*dhcpv4.DHCPv4, bool, error) {
	c.conn.SetReadDeadline(time.Now())

	buf := make([]byte, 1500)

	n, err := c.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false, nil
		}

		return nil, false, err
	}

	msg, err := dhcpv4.FromBytes(buf[:n])
	if err != nil {
		return nil, false, nil
	}

	if msg.TransactionID != c.xid {
		return nil, false, nil
	}

	return msg, true, nil
}

// Lease returns the most recently acquired lease. Valid once Step has
// returned EventConfigured.
func (c *DHCPClient) Lease() Lease { return c.lease }

func leaseFromACK(ack *dhcpv4.DHCPv4) (Lease, error) {
	mask := ack.SubnetMask()
	prefixLen, _ := mask.Size()

	lease := Lease{
		Address:   tcpip.Address(ack.YourIPAddr.To4()),
		PrefixLen: prefixLen,
		LeaseTime: ack.IPAddressLeaseTime(0),
	}

	if routers := ack.Router(); len(routers) > 0 {
		lease.Gateway = tcpip.Address(routers[0].To4())
	}

	for _, ns := range ack.DNS() {
		lease.DNS = append(lease.DNS, tcpip.Address(ns.To4()))
	}

	return lease, nil
}

// newTransactionID draws a transaction ID from c.drbg rather than
// crypto/rand, since this runtime has no hardware entropy source
// available before the network stack (and therefore DHCP) comes up; see
// package rng. The DRBG's own seed is only tick- and wall-clock-derived,
// so this is not suitable as a security boundary, only as a collision
// avoidance measure against other DHCP exchanges on the same segment.
func (c *DHCPClient) newTransactionID() dhcpv4.TransactionID {
	var id dhcpv4.TransactionID

	c.drbg.GetRandomData(id[:])

	return id
}

func durationToTicks(d time.Duration, freqHz uint64) uint64 {
	if freqHz == 0 || d <= 0 {
		return 0
	}

	return uint64(d.Seconds() * float64(freqHz))
}
