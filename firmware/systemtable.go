// UEFI system table handoff
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package firmware is the UEFI boundary: it captures the image handle and
// system table the PE loader hands this binary at entry, reads the
// firmware memory map and a handful of boot-time variables through it, and
// calls ExitBootServices exactly once before platform.Init runs. Every
// descriptor, GUID and attribute type this package hands to the rest of
// the module is go-efilib's own (github.com/canonical/go-efilib), the same
// library canonical-snapd uses for its EFI variable surface.
package firmware

import (
	"errors"

	efi "github.com/canonical/go-efilib"
)

// GUID, VariableAttributes and ResetType are go-efilib's own types,
// re-exported under this package's names so callers never import
// go-efilib directly.
type (
	GUID               = efi.GUID
	VariableAttributes = efi.VariableAttributes
	ResetType          = efi.ResetType
	Handle             = efi.Handle
)

const (
	ResetCold            = efi.ResetCold
	ResetWarm            = efi.ResetWarm
	ResetShutdown        = efi.ResetShutdown
	ResetPlatformSpecific = efi.ResetPlatformSpecific
)

// ErrNotCaptured is returned by any call made before Capture.
var ErrNotCaptured = errors.New("firmware: system table not captured")

// ErrAlreadyExited is returned by any boot-services call made after
// ExitBootServices has succeeded.
var ErrAlreadyExited = errors.New("firmware: boot services already exited")

// services is the raw EFI_BOOT_SERVICES / EFI_RUNTIME_SERVICES call surface
// this package needs. The production implementation, liveServices
// (efi_services.go), resolves these against the real system table pointer
// the same way internal/reg resolves a register address to a live MMIO
// read/write; NewForTest builds a SystemTable over any other
// implementation, so every caller above this package is host-testable
// against a fake memory map and variable store.
type services interface {
	getMemoryMap() ([]efi.MemoryDescriptor, error)
	exitBootServices() error
	getVariable(name string, guid GUID) ([]byte, VariableAttributes, error)
	setVariable(name string, guid GUID, attrs VariableAttributes, data []byte) error
	resetSystem(t ResetType, data []byte)
}

// SystemTable wraps the firmware handoff. Its methods are the only surface
// the rest of this module uses; nothing outside this package touches a
// raw pointer.
type SystemTable struct {
	imageHandle uintptr
	svc         services
	exited      bool
}

// Capture records the image handle and resolves the live boot/runtime
// service call surface from the system table pointer the firmware's PE
// loader passed to this binary's entry point. cmd/morpheus calls this
// exactly once, before any other firmware package function, and before
// platform.Init.
func Capture(imageHandle, systemTable uintptr) *SystemTable {
	return &SystemTable{
		imageHandle: imageHandle,
		svc:         newLiveServices(systemTable),
	}
}

// NewForTest builds a SystemTable around a fake services implementation,
// letting firmware_test and every package downstream of it (config,
// bootlauncher) exercise variable reads and memory-map classification
// without a real UEFI environment.
func NewForTest(svc services) *SystemTable {
	return &SystemTable{svc: svc}
}

// ImageHandle returns the EFI_HANDLE this binary was loaded with, typed
// as go-efilib's own Handle, for bootlauncher's EFI Linux handover
// plumbing — the one place outside this package that needs it, and only
// for handle/system-table identification, never to touch firmware memory
// directly.
func (st *SystemTable) ImageHandle() Handle { return Handle(st.imageHandle) }
