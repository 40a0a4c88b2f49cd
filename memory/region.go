// Physical memory region model
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package memory implements the post-firmware-exit physical memory
// registry: it owns the platform's memory map, mirroring the firmware's
// allocation services once boot services are no longer available.
package memory

// PageSize is the fixed page granularity used throughout this package,
// matching the firmware's own page size.
const PageSize = 4096

// Kind classifies a memory region's ownership and purpose.
type Kind int

const (
	KindReserved Kind = iota
	KindLoaderCode
	KindLoaderData
	KindFirmwareServicesCode
	KindFirmwareServicesData
	KindConventional
	KindUnusable
	KindFirmwareReclaim
	KindFirmwareNonVolatile
	KindMMIO
	KindMMIOPort
	KindProcessorReserved
	KindPersistent
	KindOurDMA
	KindOurStack
	KindOurPageTable
	KindOurHeap
	KindOurGeneric
)

func (k Kind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindLoaderCode:
		return "loader-code"
	case KindLoaderData:
		return "loader-data"
	case KindFirmwareServicesCode:
		return "firmware-services-code"
	case KindFirmwareServicesData:
		return "firmware-services-data"
	case KindConventional:
		return "conventional"
	case KindUnusable:
		return "unusable"
	case KindFirmwareReclaim:
		return "firmware-reclaim"
	case KindFirmwareNonVolatile:
		return "firmware-non-volatile"
	case KindMMIO:
		return "mmio"
	case KindMMIOPort:
		return "mmio-port"
	case KindProcessorReserved:
		return "processor-reserved"
	case KindPersistent:
		return "persistent"
	case KindOurDMA:
		return "our-dma"
	case KindOurStack:
		return "our-stack"
	case KindOurPageTable:
		return "our-page-table"
	case KindOurHeap:
		return "our-heap"
	case KindOurGeneric:
		return "our-generic"
	default:
		return "unknown"
	}
}

// free reports whether regions of this kind participate in the free list
// (i.e. are available for allocation).
func (k Kind) free() bool {
	return k == KindConventional
}

// ours reports whether this kind was allocated by this runtime, as opposed
// to inherited from the firmware map.
func (k Kind) ours() bool {
	switch k {
	case KindOurDMA, KindOurStack, KindOurPageTable, KindOurHeap, KindOurGeneric:
		return true
	default:
		return false
	}
}

// BootKind is the coarser taxonomy handed to the Linux kernel boot
// protocol, per spec §3's "kinds project into a coarser boot-protocol
// taxonomy".
type BootKind int

const (
	BootUsableRAM BootKind = iota
	BootReserved
	BootFirmwareReclaim
	BootFirmwareNV
	BootPersistent
	BootUnusable
)

// BootKind projects a Kind into the coarser taxonomy the kernel boot
// protocol understands.
func (k Kind) BootKind() BootKind {
	switch k {
	case KindConventional, KindLoaderCode, KindLoaderData,
		KindOurDMA, KindOurStack, KindOurPageTable, KindOurHeap, KindOurGeneric:
		return BootUsableRAM
	case KindFirmwareReclaim:
		return BootFirmwareReclaim
	case KindFirmwareNonVolatile:
		return BootFirmwareNV
	case KindPersistent:
		return BootPersistent
	case KindUnusable:
		return BootUnusable
	default:
		return BootReserved
	}
}

// Attribute is a bitset of memory region attributes.
type Attribute uint32

const (
	AttrUncacheable Attribute = 1 << iota
	AttrWriteCombining
	AttrWriteThrough
	AttrWriteBack
	AttrWriteProtect
	AttrReadProtect
	AttrExecuteProtect
	AttrNonVolatile
	AttrReadOnly
	AttrRuntime
)

// Region describes one non-overlapping span of physical memory.
type Region struct {
	// Start is the physical start address, page-aligned.
	Start uint64
	// Pages is the region's length in pages.
	Pages uint64
	// Kind classifies the region's ownership and purpose.
	Kind Kind
	// Attr is the region's attribute bitset.
	Attr Attribute
}

// End returns the exclusive end address of the region.
func (r Region) End() uint64 {
	return r.Start + r.Pages*PageSize
}

// Size returns the region size in bytes.
func (r Region) Size() uint64 {
	return r.Pages * PageSize
}

// Overlaps reports whether r and other share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// FirmwareMemoryDescriptor is the subset of a UEFI memory descriptor this
// package consumes from the firmware interface (package firmware); it
// deliberately mirrors go-efilib's MemoryMapEntry shape rather than
// depending on it directly, keeping this package importable without the
// firmware boundary.
type FirmwareMemoryDescriptor struct {
	PhysicalStart uint64
	NumberOfPages uint64
	Kind          Kind
	Attr          Attribute
}
