// Network device driver abstraction
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netdev defines the common, non-blocking contract every NIC
// driver in this runtime implements, mirroring the shape of package
// blockdev on the network side: submission and completion are both
// polled, nothing blocks the main loop.
package netdev

import "errors"

var (
	ErrFrameTooLarge      = errors.New("netdev: frame exceeds maximum transmit unit")
	ErrUnsupportedDevice  = errors.New("netdev: unsupported network controller")
	ErrTXQueueFull        = errors.New("netdev: transmit queue full")
)

// MaxFrame is the largest Ethernet frame this runtime moves through a
// NIC driver (1514 bytes: the 14-byte Ethernet header plus up to 1500
// bytes of payload; device-private header prefixes come on top of this
// inside the driver).
const MaxFrame = 1514

// Driver is the common, non-blocking contract every NIC driver
// implements.
type Driver interface {
	// MACAddress returns the device's hardware address.
	MACAddress() [6]byte
	// CanTransmit reports whether a transmit descriptor is available
	// without blocking.
	CanTransmit() bool
	// Transmit enqueues frame for transmission and returns immediately;
	// the caller must subsequently invoke Notify.
	Transmit(frame []byte) error
	// Receive copies the next available received frame's payload into
	// dst and reports its length, or returns false if none is pending.
	Receive(dst []byte) (int, bool)
	// RefillRXQueue returns any descriptors the driver has already
	// handed off to the caller back to the device's receive ring.
	RefillRXQueue()
	// CollectTXCompletions frees transmit descriptors the device has
	// finished with back to the driver's pool.
	CollectTXCompletions()
	// Notify signals the device that newly queued work is ready.
	Notify()
}
