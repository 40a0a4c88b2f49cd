// Linux EFI handover invocation
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bootlauncher

import (
	"errors"

	"github.com/f-secure-foundry/morpheus/firmware"
	"github.com/f-secure-foundry/morpheus/heap"
)

// ErrHandoverUnsupported is returned by efiHandover until this module
// links the assembly trampoline named below.
var ErrHandoverUnsupported = errors.New("bootlauncher: EFI handover entry not wired for this target")

// handoverImage is the staged, firmware-allocated layout efiHandover
// hands to the Linux kernel's EFI stub: the kernel image itself, an
// optional initrd, and the synthesized or configured command line, each
// copied into page buffers out of the heap arena so they outlive the
// loader's own stack.
type handoverImage struct {
	kernelAddr  uint
	kernelSize  uint
	initrdAddr  uint
	initrdSize  uint
	cmdlineAddr uint
}

// stageHandoverImage copies kernel, initrd (may be nil) and cmdline into
// arena, returning the addresses the handover call below needs. Nothing
// here is freed: a successful handover never returns, and a failed one
// aborts the whole boot attempt.
func stageHandoverImage(arena *heap.Arena, kernel, initrd []byte, cmdline string) (handoverImage, error) {
	var img handoverImage

	kAddr, err := arena.Alloc(uint(len(kernel)), 4096)
	if err != nil {
		return img, err
	}

	copy(arena.Bytes(kAddr, uint(len(kernel))), kernel)

	img.kernelAddr, img.kernelSize = kAddr, uint(len(kernel))

	if len(initrd) > 0 {
		iAddr, err := arena.Alloc(uint(len(initrd)), 4096)
		if err != nil {
			return img, err
		}

		copy(arena.Bytes(iAddr, uint(len(initrd))), initrd)

		img.initrdAddr, img.initrdSize = iAddr, uint(len(initrd))
	}

	cmdlineBytes := append([]byte(cmdline), 0)

	cAddr, err := arena.Alloc(uint(len(cmdlineBytes)), 1)
	if err != nil {
		return img, err
	}

	copy(arena.Bytes(cAddr, uint(len(cmdlineBytes))), cmdlineBytes)

	img.cmdlineAddr = cAddr

	return img, nil
}

// efiHandover stages kernel/initrd/cmdline into firmware-allocated page
// buffers and invokes Linux via its EFI handover protocol: the kernel's
// PE header carries a handover_offset past its image base, called with
// the image handle, system table, and a struct boot_params whose
// hdr.cmd_line_ptr/ramdisk_image fields point at img's staged buffers
// (Linux Documentation/x86/boot.rst, "EFI Handover Protocol"). st's
// image/system-table handle (firmware.SystemTable.ImageHandle) is the
// only go-efilib-shaped value this call needs — go-efilib's
// LoadedImageProtocol type documents the same handle/device-path
// plumbing UEFI's own LoadImage/StartImage pair would otherwise require,
// even though this path calls the kernel's entry point directly rather
// than going through StartImage.
func efiHandover(st *firmware.SystemTable, arena *heap.Arena, kernel, initrd []byte, cmdline string) error {
	img, err := stageHandoverImage(arena, kernel, initrd, cmdline)
	if err != nil {
		return err
	}

	return jumpToHandoverEntry(st.ImageHandle(), img)
}

// jumpToHandoverEntry performs the actual architecture-specific call
// into the kernel's handover_offset entry point. Doing so requires an
// assembly trampoline (the call passes the image handle and system
// table in RCX/RDX per the MS x64 calling convention UEFI mandates, then
// never returns on success) that this module does not carry — the same
// gap as firmware.liveServices' GetMemoryMap/ExitBootServices, and for
// the same reason: no hand-written portable Go can call an arbitrary
// machine-code entry point without one.
func jumpToHandoverEntry(imageHandle firmware.Handle, img handoverImage) error {
	return ErrHandoverUnsupported
}
