// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package netdev

import "testing"

func TestTransmitRejectsOversizedFrame(t *testing.T) {
	n := &VirtIONet{}

	if err := n.Transmit(make([]byte, MaxFrame+1)); err != ErrFrameTooLarge {
		t.Fatalf("Transmit() = %v, want ErrFrameTooLarge", err)
	}
}

func TestRefillAndCollectAreSafeNoOps(t *testing.T) {
	n := &VirtIONet{}

	n.RefillRXQueue()
	n.CollectTXCompletions()
}

func TestNewE1000EReturnsUnsupported(t *testing.T) {
	if _, err := NewE1000E(nil); err != ErrUnsupportedDevice {
		t.Fatalf("NewE1000E() = %v, want ErrUnsupportedDevice", err)
	}
}

func TestMACAddressRoundTrip(t *testing.T) {
	n := &VirtIONet{mac: [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}}

	if got := n.MACAddress(); got != n.mac {
		t.Fatalf("MACAddress() = %v, want %v", got, n.mac)
	}
}
