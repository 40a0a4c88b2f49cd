// UEFI memory descriptor classification
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"github.com/f-secure-foundry/morpheus/memory"

	efi "github.com/canonical/go-efilib"
)

// classifyKind maps a go-efilib EFI_MEMORY_DESCRIPTOR type to this
// module's own memory.Kind, which carries both firmware-inherited and
// our-own-allocation kinds in one enum (memory.Kind.ours).
func classifyKind(t efi.MemoryType) memory.Kind {
	switch t {
	case efi.LoaderCodeMemoryType:
		return memory.KindLoaderCode
	case efi.LoaderDataMemoryType:
		return memory.KindLoaderData
	case efi.BootServicesCodeMemoryType, efi.RuntimeServicesCodeMemoryType:
		return memory.KindFirmwareServicesCode
	case efi.BootServicesDataMemoryType, efi.RuntimeServicesDataMemoryType:
		return memory.KindFirmwareServicesData
	case efi.ConventionalMemoryType:
		return memory.KindConventional
	case efi.UnusableMemoryType:
		return memory.KindUnusable
	case efi.ACPIReclaimMemoryType:
		return memory.KindFirmwareReclaim
	case efi.ACPIMemoryNVSType:
		return memory.KindFirmwareNonVolatile
	case efi.MemoryMappedIOMemoryType:
		return memory.KindMMIO
	case efi.MemoryMappedIOPortSpaceMemoryType:
		return memory.KindMMIOPort
	case efi.PalCodeMemoryType:
		return memory.KindProcessorReserved
	case efi.PersistentMemoryType:
		return memory.KindPersistent
	default:
		return memory.KindReserved
	}
}

// classifyAttr maps go-efilib's EFI_MEMORY_DESCRIPTOR attribute bitset to
// this module's own memory.Attribute bitset. Both are UEFI-spec bit
// positions, but this package never assumes the two enums line up
// numerically — the mapping is written out explicitly.
func classifyAttr(a efi.MemoryAttribute) memory.Attribute {
	var out memory.Attribute

	if a&efi.MemoryUC != 0 {
		out |= memory.AttrUncacheable
	}
	if a&efi.MemoryWC != 0 {
		out |= memory.AttrWriteCombining
	}
	if a&efi.MemoryWT != 0 {
		out |= memory.AttrWriteThrough
	}
	if a&efi.MemoryWB != 0 {
		out |= memory.AttrWriteBack
	}
	if a&efi.MemoryWP != 0 {
		out |= memory.AttrWriteProtect
	}
	if a&efi.MemoryRP != 0 {
		out |= memory.AttrReadProtect
	}
	if a&efi.MemoryXP != 0 {
		out |= memory.AttrExecuteProtect
	}
	if a&efi.MemoryNV != 0 {
		out |= memory.AttrNonVolatile
	}
	if a&efi.MemoryRO != 0 {
		out |= memory.AttrReadOnly
	}
	if a&efi.MemoryRuntime != 0 {
		out |= memory.AttrRuntime
	}

	return out
}
