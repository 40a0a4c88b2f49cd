// Platform bring-up
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package platform runs the nine-phase post-firmware-exit bring-up
// sequence and aggregates its result into one object the rest of boot
// (package orchestrator, package bootlauncher, cmd/morpheus) threads
// through, mirroring the way the teacher's board packages aggregate a
// SoC's peripherals behind a single entry point.
package platform

import (
	"errors"

	"github.com/f-secure-foundry/morpheus/blockdev"
	"github.com/f-secure-foundry/morpheus/console"
	"github.com/f-secure-foundry/morpheus/cpu"
	"github.com/f-secure-foundry/morpheus/dma"
	"github.com/f-secure-foundry/morpheus/heap"
	"github.com/f-secure-foundry/morpheus/memory"
	"github.com/f-secure-foundry/morpheus/netdev"
	"github.com/f-secure-foundry/morpheus/pci"
)

// heapSize is the fixed 4 MiB arena size named in spec.md §4.4.
const heapSize = 4 << 20

// dmaRegionSize is the window reserved for block/network device
// descriptor rings and staging buffers.
const dmaRegionSize = 8 << 20

var (
	ErrNoBlockDevice = errors.New("platform: no supported block device found")
	ErrNoNetworkDevice = errors.New("platform: no supported network device found")
)

// Platform aggregates every post-firmware-exit singleton: the
// calibrated CPU, the physical memory registry, the heap arena, the DMA
// region, and the block/network devices selected during enumeration.
type Platform struct {
	CPU     *cpu.CPU
	Memory  *memory.Registry
	Heap    *heap.Arena
	DMA     *dma.Region
	Console *console.Console

	Block blockdev.Driver
	Net   netdev.Driver
}

// Init executes the nine phases of spec.md §4.5 in order, logging each
// to con as it completes, and returns the aggregated Platform.
//
//  1. console init
//  2. CPU bring-up (GDT/IDT/PIC/TSC)
//  3. memory registry import from the firmware map
//  4. heap arena carve-out
//  5. DMA region carve-out
//  6. PCI bus enumeration
//  7. block device selection
//  8. network device selection
//  9. ready
func Init(con *console.Console, descs []memory.FirmwareMemoryDescriptor) (*Platform, error) {
	p := &Platform{Console: con}

	con.Linef("platform", "console ready")

	p.CPU = &cpu.CPU{}
	p.CPU.Init()
	con.Linef("platform", "cpu ready")

	p.Memory = memory.NewRegistry()
	if err := p.Memory.ImportFirmwareMap(descs); err != nil {
		return nil, err
	}
	con.Linef("platform", "memory map imported")

	// The heap arena is backed by its own Go-allocated buffer (see
	// heap.New); this reservation only keeps the registry's accounting
	// honest about how much conventional memory the post-exit runtime
	// has claimed for itself.
	if _, err := p.Memory.AllocatePages(memory.Any(), memory.KindOurHeap, pagesFor(heapSize)); err != nil {
		return nil, err
	}

	p.Heap = heap.New(heapSize)
	con.Linef("platform", "heap ready")

	dmaAddr, err := p.Memory.AllocatePages(memory.Any(), memory.KindOurDMA, pagesFor(dmaRegionSize))
	if err != nil {
		return nil, err
	}

	dma.Init(uint(dmaAddr), dmaRegionSize)
	p.DMA = dma.Default()
	con.Linef("platform", "dma region ready")

	devices := pci.Scan()
	con.Linef("platform", "pci enumeration complete")

	if err := p.selectBlockDevice(devices); err != nil {
		return nil, err
	}

	con.Linef("platform", "block device ready")

	if err := p.selectNetworkDevice(devices); err != nil {
		return nil, err
	}

	con.Linef("platform", "network device ready")
	con.Linef("platform", "platform ready")

	return p, nil
}

func pagesFor(size uint64) uint64 {
	return (size + memory.PageSize - 1) / memory.PageSize
}

// selectBlockDevice prefers VirtIO-blk (the QEMU/cloud-hypervisor
// default) over AHCI, matching spec.md §4.6's component preference.
func (p *Platform) selectBlockDevice(devices []*pci.Device) error {
	for _, d := range devices {
		drv, err := blockdev.NewVirtIOBlk(d)
		if err == nil {
			p.Block = drv
			return nil
		}
	}

	for _, d := range devices {
		drv, err := blockdev.NewAHCI(d)
		if err == nil {
			p.Block = drv
			return nil
		}
	}

	return ErrNoBlockDevice
}

// selectNetworkDevice prefers VirtIO-net; e1000e is carried as a
// documented stub (netdev.NewE1000E always returns
// netdev.ErrUnsupportedDevice) per spec.md §2.
func (p *Platform) selectNetworkDevice(devices []*pci.Device) error {
	for _, d := range devices {
		drv, err := netdev.NewVirtIONet(d)
		if err == nil {
			p.Net = drv
			return nil
		}
	}

	for _, d := range devices {
		drv, err := netdev.NewE1000E(d)
		if err == nil {
			p.Net = drv
			return nil
		}
	}

	return ErrNoNetworkDevice
}
