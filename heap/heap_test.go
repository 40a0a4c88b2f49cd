// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package heap

import "testing"

func TestAllocWithinArena(t *testing.T) {
	a := New(64 * 1024)

	addr, err := a.Alloc(128, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if addr < a.Start() || addr+128 > a.End() {
		t.Fatalf("allocation 0x%x..0x%x outside arena [0x%x, 0x%x)", addr, addr+128, a.Start(), a.End())
	}
}

func TestAllocRespectsAlignment(t *testing.T) {
	a := New(64 * 1024)

	addr, err := a.Alloc(32, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if addr%16 != 0 {
		t.Fatalf("address 0x%x not aligned to 16", addr)
	}
}

func TestAllocExhaustsArena(t *testing.T) {
	a := New(4096)

	if _, err := a.Alloc(4096, 0); err != nil {
		t.Fatalf("full-size Alloc: %v", err)
	}

	if _, err := a.Alloc(1, 0); err != ErrOutOfMemory {
		t.Fatalf("Alloc on exhausted arena = %v, want ErrOutOfMemory", err)
	}
}

func TestFreeReturnsCapacity(t *testing.T) {
	a := New(4096)

	addr, err := a.Alloc(4096, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if got := a.FreeBytes(); got != 4096 {
		t.Fatalf("FreeBytes after Free = %d, want 4096", got)
	}

	if _, err := a.Alloc(4096, 0); err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	a := New(4096)

	a1, _ := a.Alloc(1024, 0)
	a2, _ := a.Alloc(1024, 0)
	a3, _ := a.Alloc(1024, 0)

	a.Free(a1)
	a.Free(a2)
	a.Free(a3)

	if got := a.FreeBytes(); got != 4096 {
		t.Fatalf("FreeBytes after freeing all = %d, want 4096", got)
	}

	// A single 3072-byte allocation now only succeeds if the three
	// freed blocks were coalesced into one contiguous span.
	if _, err := a.Alloc(3072, 0); err != nil {
		t.Fatalf("Alloc after coalescing: %v", err)
	}
}

func TestFreeRejectsUnknownAddress(t *testing.T) {
	a := New(4096)

	if err := a.Free(0xdeadbeef); err != ErrInvalidAddr {
		t.Fatalf("Free(unknown) = %v, want ErrInvalidAddr", err)
	}
}

func TestFreeRejectsDoubleFree(t *testing.T) {
	a := New(4096)

	addr, _ := a.Alloc(128, 0)

	if err := a.Free(addr); err != nil {
		t.Fatalf("first Free: %v", err)
	}

	if err := a.Free(addr); err != ErrInvalidAddr {
		t.Fatalf("double Free = %v, want ErrInvalidAddr", err)
	}
}

func TestBytesViewRoundTrips(t *testing.T) {
	a := New(4096)

	addr, err := a.Alloc(16, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	buf := a.Bytes(addr, 16)
	for i := range buf {
		buf[i] = byte(i)
	}

	again := a.Bytes(addr, 16)
	for i := range again {
		if again[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, again[i], byte(i))
		}
	}
}

func TestDefaultSize(t *testing.T) {
	a := New(0)

	if a.Size() != DefaultSize {
		t.Fatalf("New(0) size = %d, want %d", a.Size(), DefaultSize)
	}
}
