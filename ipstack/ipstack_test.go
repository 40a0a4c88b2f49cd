// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipstack

import (
	"testing"

	"github.com/f-secure-foundry/morpheus/internal/rng"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestEtherTypeMapsKnownProtocols(t *testing.T) {
	if got := etherType(header.IPv4ProtocolNumber); got != 0x0800 {
		t.Fatalf("etherType(IPv4) = %#x, want 0x0800", got)
	}

	if got := etherType(header.ARPProtocolNumber); got != 0x0806 {
		t.Fatalf("etherType(ARP) = %#x, want 0x0806", got)
	}
}

func TestCIDRMask(t *testing.T) {
	cases := []struct {
		prefixLen int
		want      [4]byte
	}{
		{24, [4]byte{0xff, 0xff, 0xff, 0x00}},
		{16, [4]byte{0xff, 0xff, 0x00, 0x00}},
		{32, [4]byte{0xff, 0xff, 0xff, 0xff}},
		{0, [4]byte{0x00, 0x00, 0x00, 0x00}},
	}

	for _, c := range cases {
		mask := cidrMask(c.prefixLen)

		for i := range c.want {
			if mask[i] != c.want[i] {
				t.Fatalf("cidrMask(%d)[%d] = %#x, want %#x", c.prefixLen, i, mask[i], c.want[i])
			}
		}
	}
}

func TestMaskAddress(t *testing.T) {
	addr := tcpip.Address([]byte{192, 168, 1, 42})
	mask := tcpip.AddressMask(cidrMask(24))

	got := maskAddress(addr, mask)
	want := tcpip.Address([]byte{192, 168, 1, 0})

	if got != want {
		t.Fatalf("maskAddress() = %v, want %v", []byte(got), []byte(want))
	}
}

func TestParseLiteralAcceptsIPv4(t *testing.T) {
	addr, ok := ParseLiteral("203.0.113.9")
	if !ok {
		t.Fatalf("ParseLiteral() ok = false, want true")
	}

	want := tcpip.Address([]byte{203, 0, 113, 9})
	if addr != want {
		t.Fatalf("ParseLiteral() = %v, want %v", []byte(addr), []byte(want))
	}
}

func TestParseLiteralRejectsHostname(t *testing.T) {
	if _, ok := ParseLiteral("example.com"); ok {
		t.Fatalf("ParseLiteral() ok = true for a hostname, want false")
	}
}

func TestNewTransactionIDDrawsFromDRBGNotZero(t *testing.T) {
	c := &DHCPClient{drbg: &rng.DRBG{Seed: [32]byte{1}}}

	first := c.newTransactionID()
	second := c.newTransactionID()

	var zero dhcpv4.TransactionID
	if first == zero {
		t.Fatal("newTransactionID() = zero value, want DRBG output")
	}

	if first == second {
		t.Fatal("newTransactionID() returned the same value twice in a row, want key-erasure to advance the DRBG")
	}
}

func TestResolverStepsThroughLiteralWithoutAQuery(t *testing.T) {
	s := &Stack{}
	r := s.NewResolver("203.0.113.9", "")

	done, err := r.Step()
	if !done || err != nil {
		t.Fatalf("Step() = (%v, %v), want (true, nil)", done, err)
	}

	want := tcpip.Address([]byte{203, 0, 113, 9})
	if r.Address() != want {
		t.Fatalf("Address() = %v, want %v", []byte(r.Address()), []byte(want))
	}
}
