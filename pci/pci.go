// PCI configuration space access and bus enumeration
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pci implements PCI configuration space access through the
// legacy CONFIG_ADDRESS/CONFIG_DATA I/O ports, bus enumeration, and BAR
// decoding, adopting the following reference specification:
//   - PCI Local Bus Specification, revision 3.0, PCI Special Interest Group
package pci

import (
	"github.com/f-secure-foundry/morpheus/internal/bits"
	"github.com/f-secure-foundry/morpheus/internal/reg"
)

const (
	ConfigAddress = 0x0cf8
	ConfigData    = 0x0cfc
)

const (
	maxBuses   = 256
	maxDevices = 32
	maxFuncs   = 8
)

// Header Type 0x0 configuration space offsets.
const (
	VendorID           = 0x00
	DeviceID           = 0x02
	Command            = 0x04
	RevisionID         = 0x08
	ClassCode          = 0x08
	HeaderType         = 0x0e
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
	InterruptLine      = 0x3c
)

// Command register bits.
const (
	CommandIO         = 0
	CommandMemory     = 1
	CommandBusMaster  = 2
)

// Kind classifies a device by its base class / subclass, the subset this
// runtime cares about.
type Kind int

const (
	KindUnknown Kind = iota
	KindBlockVirtIO
	KindNetworkVirtIO
	KindSATA
	KindNetworkEthernet
)

// classify maps (vendor, device, base class, subclass) to a Kind. VirtIO
// block and network devices are matched by vendor 0x1af4 and explicit
// device IDs, transitional (0x1001 block, 0x1000 network) or modern
// (0x1042 block, 0x1041 network); every other device is classified by
// its class code.
func classify(vendor, device uint16, baseClass, subClass uint8) Kind {
	switch {
	case vendor == 0x1af4 && (device == 0x1001 || device == 0x1042):
		return KindBlockVirtIO
	case vendor == 0x1af4 && (device == 0x1000 || device == 0x1041):
		return KindNetworkVirtIO
	case baseClass == 0x01 && subClass == 0x06:
		return KindSATA
	case baseClass == 0x02 && subClass == 0x00:
		return KindNetworkEthernet
	default:
		return KindUnknown
	}
}

// Device represents a single PCI function.
type Device struct {
	Bus    uint32
	Slot   uint32
	Func   uint32

	Vendor uint16
	DevID  uint16

	BaseClass uint8
	SubClass  uint8

	Kind Kind
}

func (d *Device) address(off uint32) uint32 {
	return 1<<31 | d.Bus<<16 | d.Slot<<11 | d.Func<<8 | off&0xfc
}

// Read reads a 32-bit-aligned dword from the device's configuration
// space.
func (d *Device) Read(off uint32) uint32 {
	reg.Out32(ConfigAddress, d.address(off))
	return reg.In32(ConfigData)
}

// Read16 reads a 16-bit field at off, which need not be dword-aligned.
func (d *Device) Read16(off uint32) uint16 {
	return uint16(d.Read(off&^3) >> ((off & 2) * 8))
}

// Read8 reads an 8-bit field at off.
func (d *Device) Read8(off uint32) uint8 {
	return uint8(d.Read(off&^3) >> ((off & 3) * 8))
}

// Write writes a dword-aligned 32-bit value to the device's configuration
// space.
func (d *Device) Write(off uint32, val uint32) {
	reg.Out32(ConfigAddress, d.address(off&^3))
	reg.Out32(ConfigData, val)
}

// EnableBusMaster sets the bus master and memory-space enable bits in the
// command register, required before a device can perform DMA.
func (d *Device) EnableBusMaster() {
	cmd := d.Read(Command)
	bits.Set(&cmd, CommandBusMaster)
	bits.Set(&cmd, CommandMemory)
	d.Write(Command, cmd)
}

// BaseAddress decodes base address register n (0-5), returning its
// address with the type/flag low bits masked off. 64-bit BARs span two
// consecutive registers; n must name the lower one.
func (d *Device) BaseAddress(n int) uint {
	if n < 0 || n > 5 {
		return 0
	}

	off := uint32(Bar0 + n*4)
	bar := d.Read(off)

	if bar&1 == 1 {
		// I/O space BAR
		return uint(bar &^ 0x3)
	}

	switch (bar >> 1) & 0b11 {
	case 0:
		return uint(bar &^ 0xf)
	case 2:
		hi := d.Read(off + 4)
		return uint(hi)<<32 | uint(bar&^0xf)
	default:
		return 0
	}
}

// Capability is one entry of the PCI capability linked list.
type Capability struct {
	ID     uint8
	Offset uint32
}

// Capabilities walks the device's capability linked list, starting at
// CapabilitiesOffset, returning every entry found.
func (d *Device) Capabilities() []Capability {
	status := d.Read16(0x06)
	if status&(1<<4) == 0 {
		return nil
	}

	var caps []Capability
	next := uint32(d.Read8(CapabilitiesOffset))
	seen := map[uint32]bool{}

	for next != 0 && !seen[next] {
		seen[next] = true

		id := d.Read8(next)
		caps = append(caps, Capability{ID: id, Offset: next})

		next = uint32(d.Read8(next + 1))
	}

	return caps
}

func (d *Device) probe() bool {
	val := d.Read(VendorID)

	if d.Vendor = uint16(val); d.Vendor == 0xffff {
		return false
	}

	d.DevID = uint16(val >> 16)

	class := d.Read(ClassCode)
	d.SubClass = uint8(class >> 16)
	d.BaseClass = uint8(class >> 24)

	d.Kind = classify(d.Vendor, d.DevID, d.BaseClass, d.SubClass)

	return true
}

func (d *Device) multiFunction() bool {
	return d.Read8(HeaderType)&0x80 != 0
}

// Scan enumerates every PCI function present on buses [0, maxBuses),
// returning every device found, in discovery order.
func Scan() []*Device {
	var found []*Device

	for bus := uint32(0); bus < maxBuses; bus++ {
		for slot := uint32(0); slot < maxDevices; slot++ {
			d := &Device{Bus: bus, Slot: slot, Func: 0}

			if !d.probe() {
				continue
			}

			found = append(found, d)

			if !d.multiFunction() {
				continue
			}

			for fn := uint32(1); fn < maxFuncs; fn++ {
				fd := &Device{Bus: bus, Slot: slot, Func: fn}

				if fd.probe() {
					found = append(found, fd)
				}
			}
		}
	}

	return found
}

// Find returns the first enumerated device whose Kind matches want, or
// nil if none is present.
func Find(want Kind) *Device {
	for _, d := range Scan() {
		if d.Kind == want {
			return d
		}
	}

	return nil
}
