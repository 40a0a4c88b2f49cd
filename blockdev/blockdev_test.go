// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockdev

import "testing"

func testInfo() Info {
	return Info{
		TotalSectors:        1024,
		SectorSize:          512,
		MaxSectorsPerRequest: 256,
		ReadOnly:            false,
	}
}

func TestValidateRequestAccepts(t *testing.T) {
	req := Request{Sector: 0, SectorCount: 8}

	if err := validateRequest(req, testInfo(), false); err != nil {
		t.Fatalf("validateRequest() = %v, want nil", err)
	}
}

func TestValidateRequestRejectsOutOfRangeSector(t *testing.T) {
	req := Request{Sector: 1020, SectorCount: 8}

	if err := validateRequest(req, testInfo(), false); err != ErrInvalidSector {
		t.Fatalf("validateRequest() = %v, want ErrInvalidSector", err)
	}
}

func TestValidateRequestAcceptsExactEndRejectsOnePast(t *testing.T) {
	info := testInfo()

	req := Request{Sector: info.TotalSectors - 8, SectorCount: 8}
	if err := validateRequest(req, info, false); err != nil {
		t.Fatalf("validateRequest() at exact end = %v, want nil", err)
	}

	req = Request{Sector: info.TotalSectors - 7, SectorCount: 8}
	if err := validateRequest(req, info, false); err != ErrInvalidSector {
		t.Fatalf("validateRequest() one past end = %v, want ErrInvalidSector", err)
	}
}

func TestValidateRequestRejectsOversizedRequest(t *testing.T) {
	req := Request{Sector: 0, SectorCount: 257}

	if err := validateRequest(req, testInfo(), false); err != ErrRequestTooLarge {
		t.Fatalf("validateRequest() = %v, want ErrRequestTooLarge", err)
	}
}

func TestValidateRequestRejectsWriteToReadOnlyDevice(t *testing.T) {
	info := testInfo()
	info.ReadOnly = true

	req := Request{Sector: 0, SectorCount: 1}

	if err := validateRequest(req, info, true); err != ErrReadOnly {
		t.Fatalf("validateRequest() = %v, want ErrReadOnly", err)
	}

	if err := validateRequest(req, info, false); err != nil {
		t.Fatalf("validateRequest() read on read-only device = %v, want nil", err)
	}
}

func TestBuildFISEncodesLBA48AndSectorCount(t *testing.T) {
	table := make([]byte, 256)
	buildFIS(table, ataReadDMAExt, 0x0102030405, 16)

	if table[0] != fisTypeRegH2D {
		t.Fatalf("fis type = %#x, want %#x", table[0], fisTypeRegH2D)
	}

	if table[1]&(1<<7) == 0 {
		t.Fatal("C bit not set")
	}

	if table[2] != ataReadDMAExt {
		t.Fatalf("command = %#x, want %#x", table[2], ataReadDMAExt)
	}

	lba := uint64(table[4]) | uint64(table[5])<<8 | uint64(table[6])<<16 |
		uint64(table[8])<<24 | uint64(table[9])<<32 | uint64(table[10])<<40

	if lba != 0x0102030405 {
		t.Fatalf("lba = %#x, want %#x", lba, 0x0102030405)
	}

	count := uint16(table[12]) | uint16(table[13])<<8
	if count != 16 {
		t.Fatalf("sector count = %d, want 16", count)
	}
}

func TestAHCICanSubmitReflectsInflightDepth(t *testing.T) {
	a := &AHCI{info: testInfo()}

	if !a.CanSubmit() {
		t.Fatal("CanSubmit() = false on empty driver")
	}

	for i := 0; i < ahciSlots; i++ {
		a.inflight = append(a.inflight, ahciRequest{id: uint64(i)})
	}

	if a.CanSubmit() {
		t.Fatal("CanSubmit() = true with queue full")
	}
}

func TestVirtioBlkSlotSizeCoversLargestRequest(t *testing.T) {
	got := virtioBlkSlotSize(512, 256)
	want := blkHeaderSize + 256*512 + blkStatusSize

	if got != want {
		t.Fatalf("virtioBlkSlotSize(512, 256) = %d, want %d", got, want)
	}

	if got <= 512+32 {
		t.Fatalf("virtioBlkSlotSize(512, 256) = %d, too small to hold a 256-sector request", got)
	}
}

func TestVirtIOBlkCanSubmitReflectsInflightDepth(t *testing.T) {
	b := &VirtIOBlk{info: testInfo()}

	if !b.CanSubmit() {
		t.Fatal("CanSubmit() = false on empty driver")
	}

	for i := 0; i < queueSize; i++ {
		b.inflight = append(b.inflight, pending{id: uint64(i)})
	}

	if b.CanSubmit() {
		t.Fatal("CanSubmit() = true with queue full")
	}
}
