// Boot target description
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bootlauncher

import (
	"strconv"
	"strings"

	"github.com/f-secure-foundry/morpheus/config"
)

// source identifies which of the three boot-target forms spec.md §4.13
// names an entry resolves to.
type source int

const (
	sourceKernel source = iota
	sourceISO
	sourceChunkedISO
)

// BootEntry is a resolved boot target: "kernel path, optional initrd
// path, command line; or iso:<path> / chunked_iso:<index> pseudo-paths"
// (spec.md §4.13), already parsed out of whichever form config.Entry
// carried.
type BootEntry struct {
	Name string

	src source

	kernelPath string
	initrdPath string
	isoPath    string
	chunkIndex int

	Cmdline string
}

// FromConfigEntry resolves a config.Entry (the catalog/download
// description) into a BootEntry once its boot target is known to exist:
// a plain kernel path, an `iso:<path>` pseudo-path over a real GPT
// partition, or a `chunked_iso:<index>` pseudo-path over a download this
// run just streamed to disk.
func FromConfigEntry(e config.Entry) BootEntry {
	be := BootEntry{Name: e.Name, Cmdline: e.Cmdline}

	switch {
	case e.KernelPath != "":
		be.src = sourceKernel
		be.kernelPath = e.KernelPath
		be.initrdPath = e.InitrdPath

	case strings.HasPrefix(e.ISOPath, "chunked_iso:"):
		be.src = sourceChunkedISO
		be.chunkIndex, _ = strconv.Atoi(strings.TrimPrefix(e.ISOPath, "chunked_iso:"))

	case strings.HasPrefix(e.ISOPath, "iso:"):
		be.src = sourceISO
		be.isoPath = strings.TrimPrefix(e.ISOPath, "iso:")

	case e.ISOPath != "":
		be.src = sourceISO
		be.isoPath = e.ISOPath

	default:
		be.src = sourceChunkedISO
		be.chunkIndex = e.ChunkedISOIndex
	}

	return be
}
