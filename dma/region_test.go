// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "testing"

func TestNewRegionBounds(t *testing.T) {
	r, err := NewRegion(0x1000, 0x2000, false)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	if r.Start() != 0x1000 {
		t.Fatalf("Start() = 0x%x, want 0x1000", r.Start())
	}

	if r.End() != 0x3000 {
		t.Fatalf("End() = 0x%x, want 0x3000", r.End())
	}

	if r.Size() != 0x2000 {
		t.Fatalf("Size() = 0x%x, want 0x2000", r.Size())
	}
}

func TestNewRegionDetectsOverlap(t *testing.T) {
	registered = nil

	if _, err := NewRegion(0x100000, 0x1000, true); err != nil {
		t.Fatalf("first NewRegion: %v", err)
	}

	_, err := NewRegion(0x100800, 0x1000, true)
	if err != ErrRegionOverlap {
		t.Fatalf("overlapping NewRegion() = %v, want ErrRegionOverlap", err)
	}
}

func TestNewRegionNonUniqueAllowsOverlap(t *testing.T) {
	registered = nil

	if _, err := NewRegion(0x200000, 0x1000, false); err != nil {
		t.Fatalf("first NewRegion: %v", err)
	}

	if _, err := NewRegion(0x200000, 0x1000, false); err != nil {
		t.Fatalf("non-unique overlapping NewRegion: %v", err)
	}
}

func TestInitAndDefault(t *testing.T) {
	Init(0x300000, 0x4000)

	d := Default()
	if d == nil {
		t.Fatal("Default() returned nil after Init")
	}

	if d.Start() != 0x300000 || d.Size() != 0x4000 {
		t.Fatalf("Default() region = [0x%x, size 0x%x), want [0x300000, size 0x4000)", d.Start(), d.Size())
	}
}
