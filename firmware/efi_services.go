// Live UEFI boot/runtime services
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"errors"

	efi "github.com/canonical/go-efilib"
)

// liveServices resolves the services interface against the real system
// table pointer captured at entry. It is the only part of this package
// that talks to firmware-owned memory.
type liveServices struct {
	table uintptr
}

func newLiveServices(systemTable uintptr) services {
	return &liveServices{table: systemTable}
}

func (s *liveServices) getMemoryMap() ([]efi.MemoryDescriptor, error) {
	// TODO: resolve EFI_BOOT_SERVICES.GetMemoryMap against s.table once
	// the build carries a callable function-pointer trampoline for this
	// target; cmd/morpheus does not yet link one in.
	return nil, errors.New("firmware: GetMemoryMap not wired for this target")
}

func (s *liveServices) exitBootServices() error {
	return errors.New("firmware: ExitBootServices not wired for this target")
}

func (s *liveServices) getVariable(name string, guid GUID) ([]byte, VariableAttributes, error) {
	return efi.ReadVariable(name, guid)
}

func (s *liveServices) setVariable(name string, guid GUID, attrs VariableAttributes, data []byte) error {
	return efi.WriteVariable(name, guid, attrs, data)
}

func (s *liveServices) resetSystem(t ResetType, data []byte) {
	// Best-effort: a reset request this close to the end of boot never
	// needs to report failure to a caller that is, by definition, not
	// going to observe it.
	_ = efi.ResetSystem(t, 0, data)
}
