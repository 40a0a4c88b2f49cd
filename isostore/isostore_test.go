// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package isostore

import (
	"bytes"
	"testing"

	"github.com/diskfs/go-diskfs/partition/gpt"
)

func sampleManifest() *Manifest {
	return &Manifest{
		Name:      "debian-13.0.0-amd64-netinst.iso",
		TotalSize: 700 * mib,
		Complete:  true,
		Chunks: []ChunkRecord{
			{PartitionUUID: [16]byte{1, 2, 3}, StartLBA: 4096, EndLBA: 1431655, DataSize: 700 * mib, Index: 0, Written: true},
		},
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := sampleManifest()

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Name != m.Name || got.TotalSize != m.TotalSize || got.Complete != m.Complete {
		t.Fatalf("got %+v, want %+v", got, m)
	}

	if len(got.Chunks) != 1 || got.Chunks[0] != m.Chunks[0] {
		t.Fatalf("chunks mismatch: got %+v, want %+v", got.Chunks, m.Chunks)
	}
}

func TestManifestRejectsOversizedName(t *testing.T) {
	m := &Manifest{Name: string(make([]byte, maxNameLen+1))}

	if _, err := m.Marshal(); err != ErrNameTooLong {
		t.Fatalf("Marshal() error = %v, want ErrNameTooLong", err)
	}
}

func TestManifestRejectsTooManyChunks(t *testing.T) {
	m := &Manifest{Chunks: make([]ChunkRecord, maxManifestChunks+1)}

	if _, err := m.Marshal(); err != ErrTooManyChunks {
		t.Fatalf("Marshal() error = %v, want ErrTooManyChunks", err)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	m := sampleManifest()
	data, _ := m.Marshal()
	data[0] ^= 0xff

	if _, err := Unmarshal(data); err != ErrBadMagic {
		t.Fatalf("Unmarshal() error = %v, want ErrBadMagic", err)
	}
}

func TestUnmarshalRejectsCorruptedChecksum(t *testing.T) {
	m := sampleManifest()
	data, _ := m.Marshal()
	data[len(data)-1] ^= 0xff

	if _, err := Unmarshal(data); err != ErrChecksumMismatch {
		t.Fatalf("Unmarshal() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	m := sampleManifest()
	data, _ := m.Marshal()

	if _, err := Unmarshal(data[:10]); err != ErrManifestTruncated {
		t.Fatalf("Unmarshal() error = %v, want ErrManifestTruncated", err)
	}
}

func TestChunkByteSizeSmallTotal(t *testing.T) {
	total := uint64(200 * mib)

	if got := chunkByteSize(total); got != total {
		t.Fatalf("chunkByteSize(%d) = %d, want %d", total, got, total)
	}
}

func TestChunkByteSizeMidRangeCapsAt4GiB(t *testing.T) {
	total := uint64(2 * gib)

	if got := chunkByteSize(total); got != singleChunk4GCeiling {
		t.Fatalf("chunkByteSize(%d) = %d, want %d", total, got, singleChunk4GCeiling)
	}
}

func TestChunkByteSizeLargeTotalDividesInto32(t *testing.T) {
	total := uint64(64 * gib)

	got := chunkByteSize(total)
	if got%mib != 0 {
		t.Fatalf("chunkByteSize(%d) = %d, not MiB-aligned", total, got)
	}

	numChunks := (total + got - 1) / got
	if numChunks > maxManifestChunks {
		t.Fatalf("chunkByteSize(%d) yields %d chunks, want <= %d", total, numChunks, maxManifestChunks)
	}
}

// fakeSectorWriter records every WriteBlocks call for inspection.
type fakeSectorWriter struct {
	writes map[uint64][]byte
}

func newFakeSectorWriter() *fakeSectorWriter {
	return &fakeSectorWriter{writes: make(map[uint64][]byte)}
}

func (f *fakeSectorWriter) WriteBlocks(lba uint64, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes[lba] = cp

	return nil
}

func (f *fakeSectorWriter) all(sectorSize uint32, lbas ...uint64) []byte {
	var out []byte

	for _, lba := range lbas {
		out = append(out, f.writes[lba]...)
	}

	return out
}

func TestChunkWriterFlushesWholeSectorsAcrossCalls(t *testing.T) {
	w := newFakeSectorWriter()

	partitions := []ChunkPartition{{StartLBA: 100, EndLBA: 199}} // 100 sectors * 512 = 51200 bytes capacity

	cw, err := NewChunkWriter(w, 512, partitions)
	if err != nil {
		t.Fatalf("NewChunkWriter() error = %v", err)
	}

	first := bytes.Repeat([]byte{0xaa}, 300)
	second := bytes.Repeat([]byte{0xbb}, 300)

	if _, err := cw.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := cw.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// 600 bytes written so far: one full 512-byte sector should already
	// have been flushed to LBA 100.
	if _, ok := w.writes[100]; !ok {
		t.Fatal("expected sector 100 to be flushed after 600 bytes written")
	}

	records, err := cw.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(records) != 1 || records[0].DataSize != 600 || !records[0].Written {
		t.Fatalf("records = %+v", records)
	}

	// second sector (LBA 101) should hold the 88 remaining bytes,
	// zero-padded to 512.
	tail := w.writes[101]
	if len(tail) != 512 {
		t.Fatalf("tail sector len = %d, want 512", len(tail))
	}

	if tail[87] != 0xbb || tail[88] != 0 {
		t.Fatalf("tail sector not correctly filled/padded: %v", tail[:90])
	}
}

func TestChunkWriterCrossesChunkBoundary(t *testing.T) {
	w := newFakeSectorWriter()

	// Two 512-byte (one sector) chunks.
	partitions := []ChunkPartition{
		{StartLBA: 0, EndLBA: 0},
		{StartLBA: 10, EndLBA: 10},
	}

	cw, err := NewChunkWriter(w, 512, partitions)
	if err != nil {
		t.Fatalf("NewChunkWriter() error = %v", err)
	}

	data := bytes.Repeat([]byte{0x7}, 1000) // spans both chunks

	n, err := cw.Write(data)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if n != 1000 {
		t.Fatalf("Write() n = %d, want 1000", n)
	}

	records, err := cw.Finalize()
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	if records[0].DataSize != 512 || records[1].DataSize != 488 {
		t.Fatalf("chunk sizes = %d, %d, want 512, 488", records[0].DataSize, records[1].DataSize)
	}
}

func TestChunkWriterRejectsWritePastLastChunk(t *testing.T) {
	w := newFakeSectorWriter()

	partitions := []ChunkPartition{{StartLBA: 0, EndLBA: 0}}

	cw, err := NewChunkWriter(w, 512, partitions)
	if err != nil {
		t.Fatalf("NewChunkWriter() error = %v", err)
	}

	if _, err := cw.Write(bytes.Repeat([]byte{1}, 1024)); err != ErrChunkSetExhausted {
		t.Fatalf("Write() error = %v, want ErrChunkSetExhausted", err)
	}
}

func TestFreeRegionsFindsGapBetweenPartitions(t *testing.T) {
	table := &gpt.Table{Partitions: []*gpt.Partition{
		{Start: 1001, End: 4999},
	}}

	regions := freeRegions(table, 10000)

	if len(regions) != 2 {
		t.Fatalf("regions = %+v, want 2 entries", regions)
	}

	if regions[0].StartLBA != 34 || regions[0].EndLBA != 1000 {
		t.Fatalf("regions[0] = %+v", regions[0])
	}

	if regions[1].StartLBA != 5000 || regions[1].EndLBA != 10000-34-1 {
		t.Fatalf("regions[1] = %+v", regions[1])
	}
}

func TestPlanChunksSingleRegionSmallISO(t *testing.T) {
	regions := []FreeRegion{{StartLBA: 100, EndLBA: 2000000}}

	plan, err := planChunks(regions, 200*mib, 512)
	if err != nil {
		t.Fatalf("planChunks() error = %v", err)
	}

	if len(plan) != 1 {
		t.Fatalf("plan = %+v, want 1 region", plan)
	}
}

func TestPlanChunksInsufficientSpace(t *testing.T) {
	regions := []FreeRegion{{StartLBA: 0, EndLBA: 9}} // 10 sectors = 5120 bytes

	if _, err := planChunks(regions, 10*mib, 512); err != ErrInsufficientSpace {
		t.Fatalf("planChunks() error = %v, want ErrInsufficientSpace", err)
	}
}

// fakeSectorReader serves ReadBlocks out of an in-memory map of
// sector-aligned buffers, keyed by LBA.
type fakeSectorReader struct {
	sectors    map[uint64][]byte
	sectorSize uint32
}

func (f *fakeSectorReader) ReadBlocks(lba uint64, dst []byte) error {
	n := uint64(len(dst)) / uint64(f.sectorSize)

	for i := uint64(0); i < n; i++ {
		copy(dst[i*uint64(f.sectorSize):], f.sectors[lba+i])
	}

	return nil
}

func TestReadContextReadsWithinOneChunk(t *testing.T) {
	r := &fakeSectorReader{sectorSize: 512, sectors: map[uint64][]byte{
		0: bytes.Repeat([]byte{0x11}, 512),
		1: bytes.Repeat([]byte{0x22}, 512),
	}}

	chunks := []ChunkRecord{{StartLBA: 0, EndLBA: 1, DataSize: 1024}}
	rc := NewReadContext(r, 512, chunks)

	buf := make([]byte, 4)

	n, err := rc.ReadAt(buf, 510)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}

	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}

	want := []byte{0x11, 0x11, 0x22, 0x22}
	if !bytes.Equal(buf, want) {
		t.Fatalf("buf = %v, want %v", buf, want)
	}
}

func TestReadContextCrossesChunkBoundary(t *testing.T) {
	r := &fakeSectorReader{sectorSize: 512, sectors: map[uint64][]byte{
		0:  bytes.Repeat([]byte{0xaa}, 512),
		10: bytes.Repeat([]byte{0xbb}, 512),
	}}

	chunks := []ChunkRecord{
		{StartLBA: 0, EndLBA: 0, DataSize: 500},
		{StartLBA: 10, EndLBA: 10, DataSize: 500},
	}

	rc := NewReadContext(r, 512, chunks)

	buf := make([]byte, 10)

	n, err := rc.ReadAt(buf, 495)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}

	if n != 10 {
		t.Fatalf("n = %d, want 10", n)
	}

	for i := 0; i < 5; i++ {
		if buf[i] != 0xaa {
			t.Fatalf("buf[%d] = %#x, want 0xaa", i, buf[i])
		}
	}

	for i := 5; i < 10; i++ {
		if buf[i] != 0xbb {
			t.Fatalf("buf[%d] = %#x, want 0xbb", i, buf[i])
		}
	}
}

func TestReadContextRejectsOffsetPastEnd(t *testing.T) {
	chunks := []ChunkRecord{{StartLBA: 0, EndLBA: 0, DataSize: 500}}
	rc := NewReadContext(&fakeSectorReader{sectorSize: 512, sectors: map[uint64][]byte{}}, 512, chunks)

	buf := make([]byte, 4)

	if _, err := rc.ReadAt(buf, 501); err == nil {
		t.Fatal("ReadAt() error = nil, want an error past the end of the chunk set")
	}
}
