// Boot-time configuration
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config assembles config.Boot, the one struct cmd/morpheus
// threads its tunables through. No filesystem-backed config file exists
// before a disk is mounted, so Boot is built in three layers, each
// overriding the last: compiled-in Defaults, a handful of UEFI variables
// read through package firmware, and — once an ESP is mounted — an
// optional /morpheus/morpheus.conf key=value file. No third-party config
// library is reachable this early (the whole point of the last layer is
// that it runs before any filesystem code it could depend on has been
// wired up), so this package's file parsing is stdlib bufio.Scanner only;
// see DESIGN.md for that justification.
package config

import "strings"

// Entry is one selectable boot target: either a chunked ISO already
// landed on disk by a prior download, or a direct kernel/initrd pair.
// Exactly one of ISOPath, ChunkedISOIndex or KernelPath is meaningful,
// matching bootlauncher.BootEntry's "kernel path... or iso:<path> /
// chunked_iso:<index> pseudo-paths" shape (spec.md §4.13).
type Entry struct {
	Name string

	// Download source, used when Name has not yet been fetched.
	Host            string
	Port            uint16
	Path            string
	// TotalSize is the catalog-published image size in bytes, needed
	// up front since isostore.CreatePartitions (spec.md §4.11) carves
	// chunk partitions before a single byte is streamed.
	TotalSize       uint64
	RequireChecksum bool
	ExpectedSHA256  [32]byte

	// Boot target, used once Name has landed on disk.
	ISOPath         string
	ChunkedISOIndex int
	KernelPath      string
	InitrdPath      string
	Cmdline         string
}

// IsChunkedISO reports whether this entry boots from a chunk-written ISO
// rather than a plain kernel/initrd pair.
func (e Entry) IsChunkedISO() bool {
	return e.KernelPath == "" && (e.ISOPath == "" || strings.HasPrefix(e.ISOPath, "chunked_iso:"))
}

// Boot is the full set of boot-time tunables, assembled once by Load and
// read-only for the rest of the run.
type Boot struct {
	// Retries is the default HTTP GET retry count for transient errors
	// (spec.md §7: "idempotent GET may be retried... default 3").
	Retries int

	// DNSServer overrides the DHCP-provided DNS server when non-empty
	// (spec.md §4.12's DNS resolution path).
	DNSServer string

	// Entries is the catalog of selectable boot targets. Presentation
	// (listing/selecting among them) is out of this module's scope; Boot
	// only carries the data a selection would act on.
	Entries []Entry
}

// Defaults returns the compiled-in baseline every Boot starts from.
func Defaults() Boot {
	return Boot{
		Retries: 3,
	}
}
