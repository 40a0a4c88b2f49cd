// Non-blocking TCP connect
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipstack

import (
	"errors"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/waiter"
)

// Send/receive buffer sizes tuned for bulk ISO transfer, spec.md §4.12.
const (
	tcpSendBufferSize    = 64 * 1024
	tcpReceiveBufferSize = 128 * 1024
)

var ErrConnectFailed = errors.New("ipstack: tcp connect failed")

type connectPhase int

const (
	connectPending connectPhase = iota
	connectEstablished
	connectFailed
)

// Connector drives a TCP connect attempt by polling the endpoint's own
// connect-completion notification, rather than gonet.DialTCP, which
// blocks the calling goroutine until the handshake finishes or errors.
// This runtime has no second goroutine to drive stack.Poll while a
// blocking dial waits, so the connect wait loop here is a non-blocking
// channel check (select ... default) driven once per Connector.Step
// call, exactly like every other socket operation in this package.
type Connector struct {
	ep    tcpip.Endpoint
	wq    *waiter.Queue
	entry *waiter.Entry
	ch    <-chan struct{}

	phase connectPhase
	err   error
}

// DialTCP starts a non-blocking connect to addr:port. The returned
// Connector's Step method must be called every main-loop iteration
// until it reports done.
func (s *Stack) DialTCP(addr tcpip.Address, port uint16) (*Connector, error) {
	var wq waiter.Queue

	ep, err := s.Stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, errorsFromTcpip(err)
	}

	ep.SetSockOptInt(tcpip.SendBufferSizeOption, tcpSendBufferSize)
	ep.SetSockOptInt(tcpip.ReceiveBufferSizeOption, tcpReceiveBufferSize)
	ep.SetSockOptBool(tcpip.DelayOption, false)

	entry, ch := waiter.NewChannelEntry(nil)
	wq.EventRegister(&entry, waiter.EventOut|waiter.EventErr)

	full := tcpip.FullAddress{Addr: addr, Port: port, NIC: NICID}

	if terr := ep.Connect(full); terr != nil && terr != tcpip.ErrConnectStarted {
		wq.EventUnregister(&entry)
		ep.Close()

		return nil, errorsFromTcpip(terr)
	}

	return &Connector{ep: ep, wq: &wq, entry: &entry, ch: ch, phase: connectPending}, nil
}

// Step checks for connect completion without blocking and reports
// whether the attempt has reached a terminal state.
func (c *Connector) Step() (done bool, err error) {
	if c.phase != connectPending {
		return true, c.err
	}

	select {
	case <-c.ch:
	default:
		return false, nil
	}

	c.wq.EventUnregister(c.entry)

	if terr := c.ep.GetSockOpt(tcpip.ErrorOption{}); terr != nil {
		c.phase = connectFailed
		c.err = errorsFromTcpip(terr)

		return true, c.err
	}

	c.phase = connectEstablished

	return true, nil
}

// Established reports whether the connection completed successfully.
func (c *Connector) Established() bool { return c.phase == connectEstablished }

// Conn returns a net.Conn over the established connection. Valid only
// once Step has reported done with Established() true.
func (c *Connector) Conn() net.Conn {
	return gonet.NewConn(c.wq, c.ep)
}

// Abort releases the endpoint without completing the connection
// (cancellation, or a superseding timeout).
func (c *Connector) Abort() {
	if c.phase == connectPending {
		c.wq.EventUnregister(c.entry)
	}

	c.ep.Close()
}
