// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/f-secure-foundry/morpheus/config"
)

func TestNeedsDownloadTrueForHostOnlyEntry(t *testing.T) {
	entry := config.Entry{Name: "debian", Host: "deb.example.org", Path: "/debian.iso"}

	if !needsDownload(entry) {
		t.Fatal("needsDownload() = false, want true for an entry with only a download source")
	}
}

func TestNeedsDownloadFalseOnceISOPathIsSet(t *testing.T) {
	entry := config.Entry{Name: "debian", Host: "deb.example.org", ISOPath: "chunked_iso:0"}

	if needsDownload(entry) {
		t.Fatal("needsDownload() = true, want false once ISOPath names a landed boot target")
	}
}

func TestNeedsDownloadFalseOnceKernelPathIsSet(t *testing.T) {
	entry := config.Entry{Name: "custom", Host: "example.org", KernelPath: "/vmlinuz"}

	if needsDownload(entry) {
		t.Fatal("needsDownload() = true, want false once KernelPath names a landed boot target")
	}
}

func TestNeedsDownloadFalseWithoutHost(t *testing.T) {
	entry := config.Entry{Name: "arch", ChunkedISOIndex: 2}

	if needsDownload(entry) {
		t.Fatal("needsDownload() = true, want false with no download host configured")
	}
}
