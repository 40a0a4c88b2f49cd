// DNS resolution
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
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// nowFunc is substitutable in tests.
var nowFunc = time.Now

// StaticHosts is a last-resort name table consulted when DNS resolution
// fails outright (networks where the configured resolver is unreachable
// or blocked); callers populate it with whatever distribution mirror
// hostnames they intend to offer.
var StaticHosts = map[string]tcpip.Address{}

var ErrNoAnswer = errors.New("ipstack: DNS query returned no A record")

// ParseLiteral returns host's address if it is already a dotted-quad
// IPv4 literal, without touching the network.
func ParseLiteral(host string) (tcpip.Address, bool) {
	ip := net.ParseIP(host)
	if ip == nil {
		return "", false
	}

	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}

	return tcpip.Address(v4), true
}

type resolverPhase int

const (
	resolverIdle resolverPhase = iota
	resolverQuerying
	resolverDone
	resolverFailed
)

// Resolver drives a single A-query one non-blocking Step at a time; the
// previous shape of this package (Resolve) sent the query and then
// busy-looped reading the UDP socket until an answer or a timeout
// arrived, which starves the main loop of the stack.Poll calls that
// would actually deliver the reply — nothing else drives packet
// dispatch in this single-threaded runtime. Resolver instead advances
// exactly one socket read per Step call, exactly like DHCPClient,
// leaving the timeout budget to the caller's own Budget.
type Resolver struct {
	stack    *Stack
	host     string
	resolver tcpip.Address

	conn  *gonet.PacketConn
	phase resolverPhase
	err   error
	addr  tcpip.Address
}

// NewResolver starts resolving host against resolver. If host is
// already an IPv4 literal, the returned Resolver's first Step
// immediately reports resolverDone without sending any query.
func (s *Stack) NewResolver(host string, resolver tcpip.Address) *Resolver {
	return &Resolver{stack: s, host: host, resolver: resolver}
}

// Step advances the resolution by at most one non-blocking socket
// operation and reports whether it has reached a terminal state.
func (r *Resolver) Step() (done bool, err error) {
	switch r.phase {
	case resolverIdle:
		if addr, ok := ParseLiteral(r.host); ok {
			r.addr = addr
			r.phase = resolverDone

			return true, nil
		}

		if err := r.sendQuery(); err != nil {
			return r.fail(err)
		}

		r.phase = resolverQuerying

		return false, nil

	case resolverQuerying:
		return r.pollAnswer()

	default:
		return true, r.err
	}
}

func (r *Resolver) fail(err error) (bool, error) {
	r.err = err
	r.phase = resolverFailed

	if static, ok := StaticHosts[r.host]; ok {
		r.addr = static
		r.phase = resolverDone

		return true, nil
	}

	return true, err
}

func (r *Resolver) sendQuery() error {
	remote := &tcpip.FullAddress{Addr: r.resolver, Port: 53}

	conn, err := r.stack.DialUDP(nil, remote)
	if err != nil {
		return err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(r.host), dns.TypeA)
	msg.RecursionDesired = true

	packed, err := msg.Pack()
	if err != nil {
		conn.Close()
		return err
	}

	if _, err := conn.Write(packed); err != nil {
		conn.Close()
		return err
	}

	r.conn = conn

	return nil
}

func (r *Resolver) pollAnswer() (bool, error) {
	r.conn.SetReadDeadline(nowFunc())

	buf := make([]byte, 512)

	n, err := r.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}

		return r.fail(err)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(buf[:n]); err != nil {
		return r.fail(err)
	}

	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			if v4 := a.A.To4(); v4 != nil {
				r.addr = tcpip.Address(v4)
				r.phase = resolverDone

				return true, nil
			}
		}
	}

	return r.fail(ErrNoAnswer)
}

// Address returns the resolved address once Step has reported done
// with a nil error.
func (r *Resolver) Address() tcpip.Address { return r.addr }
