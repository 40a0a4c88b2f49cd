// Firmware memory map import
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
)

// MemoryMap retrieves the firmware's EFI_MEMORY_DESCRIPTOR table and
// converts it to this module's own memory.FirmwareMemoryDescriptor slice,
// suitable for platform.Init / memory.Registry.ImportFirmwareMap. It must
// be called before ExitBootServices — the descriptor table is only valid
// while boot services are still available.
func (st *SystemTable) MemoryMap() ([]memory.FirmwareMemoryDescriptor, error) {
	if st.svc == nil {
		return nil, ErrNotCaptured
	}

	if st.exited {
		return nil, ErrAlreadyExited
	}

	raw, err := st.svc.getMemoryMap()
	if err != nil {
		return nil, err
	}

	descs := make([]memory.FirmwareMemoryDescriptor, 0, len(raw))

	for _, d := range raw {
		descs = append(descs, memory.FirmwareMemoryDescriptor{
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: d.NumberOfPages,
			Kind:          classifyKind(d.Type),
			Attr:          classifyAttr(d.Attribute),
		})
	}

	return descs, nil
}
