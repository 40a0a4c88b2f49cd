// Well-known kernel/initrd path probing
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

	"github.com/diskfs/go-diskfs/filesystem"
)

var ErrKernelNotFound = errors.New("bootlauncher: no well-known kernel path found on this image")

// distroProbe is one distribution family's well-known kernel/initrd
// layout and synthesized command line, tried in order against a mounted
// ISO9660 filesystem (spec.md §4.13: "probes a list of well-known
// kernel/initrd paths per distribution family").
type distroProbe struct {
	family  string
	kernel  string
	initrd  string
	cmdline string
}

// wellKnownProbes covers the kernel/initrd layout of the three
// distribution families spec.md's examples draw from; an entry that
// names its own KernelPath never reaches this table.
var wellKnownProbes = []distroProbe{
	{family: "debian", kernel: "/install.amd/vmlinuz", initrd: "/install.amd/initrd.gz", cmdline: "console=ttyS0"},
	{family: "alpine", kernel: "/boot/vmlinuz-lts", initrd: "/boot/initramfs-lts", cmdline: "console=ttyS0 modules=loop,squashfs"},
	{family: "arch", kernel: "/arch/boot/x86_64/vmlinuz-linux", initrd: "/arch/boot/x86_64/initramfs-linux.img", cmdline: "console=ttyS0"},
}

// probeKernel walks wellKnownProbes against fs, returning the first
// family whose kernel path exists.
func probeKernel(fs filesystem.FileSystem) (distroProbe, error) {
	for _, p := range wellKnownProbes {
		if fileExists(fs, p.kernel) {
			return p, nil
		}
	}

	return distroProbe{}, ErrKernelNotFound
}

func fileExists(fs filesystem.FileSystem, path string) bool {
	f, err := fs.OpenFile(path, 0)
	if err != nil {
		return false
	}

	if c, ok := f.(interface{ Close() error }); ok {
		_ = c.Close()
	}

	return true
}
