// Boot launcher
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bootlauncher implements spec.md §4.13: given a resolved
// BootEntry, it mounts the filesystem carrying the kernel (a real GPT
// partition or a chunk-written ISO), reads the kernel and initrd into
// firmware-allocated page buffers, and invokes Linux via its EFI
// handover protocol.
package bootlauncher

import (
	"errors"
	"io"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/f-secure-foundry/morpheus/firmware"
	"github.com/f-secure-foundry/morpheus/heap"
	"github.com/f-secure-foundry/morpheus/isostore"
)

var ErrNoStore = errors.New("bootlauncher: chunked ISO entry requires a Store")

// Launcher owns the handles Boot needs: the chunked-ISO manager (for
// chunked_iso: entries, which mount their own filesystem out of the
// chunk set's read context), the firmware boundary (for the handover
// call), and the heap arena kernel/initrd bytes are staged into.
type Launcher struct {
	Store    *isostore.Manager
	Firmware *firmware.SystemTable
	Arena    *heap.Arena
}

// Boot resolves entry's kernel/initrd/cmdline and hands control to
// Linux. For a chunked_iso: entry, fs is ignored and the filesystem is
// mounted from Store instead; for every other form, fs is the
// already-mounted filesystem carrying the kernel — the ESP itself for a
// plain kernel: entry, or the GPT partition MountISOPartition opened for
// an iso: entry. It only returns on failure — a successful handover
// never returns to this runtime.
func (l *Launcher) Boot(entry BootEntry, fs filesystem.FileSystem) error {
	if entry.src == sourceChunkedISO {
		chunkedFS, err := l.mountChunked(entry)
		if err != nil {
			return err
		}

		fs = chunkedFS
	}

	kernelPath, initrdPath, cmdline := entry.kernelPath, entry.initrdPath, entry.Cmdline

	if kernelPath == "" {
		probe, err := probeKernel(fs)
		if err != nil {
			return err
		}

		kernelPath, initrdPath = probe.kernel, probe.initrd

		if cmdline == "" {
			cmdline = probe.cmdline
		}
	}

	kernel, err := readFile(fs, kernelPath)
	if err != nil {
		return err
	}

	var initrd []byte

	if initrdPath != "" {
		initrd, err = readFile(fs, initrdPath)
		if err != nil {
			return err
		}
	}

	return efiHandover(l.Firmware, l.Arena, kernel, initrd, cmdline)
}

func (l *Launcher) mountChunked(entry BootEntry) (filesystem.FileSystem, error) {
	if l.Store == nil {
		return nil, ErrNoStore
	}

	manifest, ok := l.Store.Entry(entry.chunkIndex)
	if !ok {
		return nil, isostore.ErrNoSuchEntry
	}

	rc, err := l.Store.GetReadContext(entry.chunkIndex)
	if err != nil {
		return nil, err
	}

	return mountChunkedISO(rc, int64(manifest.TotalSize), l.sectorSize())
}

// sectorSize is fixed at 512 across this module (spec.md §6's manifest
// layout and isostore/gpt.go's chunk planning both assume it); a single
// constant here avoids threading it through Launcher for one call site.
func (l *Launcher) sectorSize() uint32 { return 512 }

func readFile(fs filesystem.FileSystem, path string) ([]byte, error) {
	f, err := fs.OpenFile(path, 0)
	if err != nil {
		return nil, err
	}

	defer func() {
		if c, ok := f.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}()

	return io.ReadAll(f)
}
