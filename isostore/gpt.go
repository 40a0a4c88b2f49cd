// GPT free-space enumeration and chunk partitioning
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package isostore

import (
	"errors"

	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"

	"github.com/f-secure-foundry/morpheus/blockio"
)

// basicDataTypeGUID is the GPT partition type GUID for "Basic data",
// the type spec.md §6 requires for every ISO chunk partition.
const basicDataTypeGUID = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"

// ESPTypeGUID is the GPT partition type GUID for the EFI System
// Partition, the one partition cmd/morpheus always expects to find on
// the boot disk.
const ESPTypeGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"

// ISOPartitionTypeGUID is basicDataTypeGUID re-exported: a pre-provisioned
// "iso:" boot entry (spec.md §4.13's real-GPT-partition form, laid down at
// image-build time rather than by CreatePartitions) carries the same
// "Basic data" type as a chunk partition, so cmd/morpheus locates it the
// same way it locates the ESP.
const ISOPartitionTypeGUID = basicDataTypeGUID

var (
	ErrInsufficientSpace = errors.New("isostore: no free region sequence large enough for this ISO")
	ErrPartitionNotFound = errors.New("isostore: no partition of the requested type found")
)

const (
	mib = 1 << 20
	gib = 1 << 30

	singleChunkCeiling   = 512 * mib
	singleChunk4GCeiling = 4 * gib
)

// FreeRegion is one contiguous run of unallocated LBAs between existing
// GPT partitions.
type FreeRegion struct {
	StartLBA uint64
	EndLBA   uint64
}

func (r FreeRegion) sectors() uint64 { return r.EndLBA - r.StartLBA + 1 }

// blockDeviceFile adapts a blockio.Adapter's sector-granular interface
// to the io.ReaderAt/io.WriterAt pair go-diskfs's disk.Disk needs to
// read and rewrite a GPT header and partition array. Every access this
// package performs is sector-aligned, since both GPT metadata and the
// chunks it carves live on sector boundaries.
type blockDeviceFile struct {
	adapter    *blockio.Adapter
	sectorSize int64
}

func (f *blockDeviceFile) ReadAt(p []byte, off int64) (int, error) {
	if off%f.sectorSize != 0 || int64(len(p))%f.sectorSize != 0 {
		return 0, errors.New("isostore: unaligned GPT read")
	}

	if err := f.adapter.ReadBlocks(uint64(off/f.sectorSize), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (f *blockDeviceFile) WriteAt(p []byte, off int64) (int, error) {
	if off%f.sectorSize != 0 || int64(len(p))%f.sectorSize != 0 {
		return 0, errors.New("isostore: unaligned GPT write")
	}

	if err := f.adapter.WriteBlocks(uint64(off/f.sectorSize), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// openDisk wraps adapter in a go-diskfs disk.Disk so its GPT table
// reader/writer can be reused instead of hand-rolling header parsing.
func openDisk(adapter *blockio.Adapter, sectorSize uint32, totalSectors uint64) *disk.Disk {
	file := &blockDeviceFile{adapter: adapter, sectorSize: int64(sectorSize)}

	return &disk.Disk{
		File:              file,
		LogicalBlocksize:  int64(sectorSize),
		PhysicalBlocksize: int64(sectorSize),
		Size:              int64(totalSectors) * int64(sectorSize),
	}
}

// freeRegions returns the gaps between table's existing partitions
// (and the reserved GPT header/array zones at the start and end of the
// disk), sorted by ascending start LBA.
func freeRegions(table *gpt.Table, totalSectors uint64) []FreeRegion {
	const reservedZone = 34 // primary/backup GPT header + 128-entry array, 512-byte sectors

	type span struct{ start, end uint64 }

	occupied := []span{{0, reservedZone - 1}}

	if totalSectors > reservedZone {
		occupied = append(occupied, span{totalSectors - reservedZone, totalSectors - 1})
	}

	for _, p := range table.Partitions {
		if p.Start == 0 && p.End == 0 {
			continue
		}

		occupied = append(occupied, span{p.Start, p.End})
	}

	for i := 1; i < len(occupied); i++ {
		for j := i; j > 0 && occupied[j-1].start > occupied[j].start; j-- {
			occupied[j-1], occupied[j] = occupied[j], occupied[j-1]
		}
	}

	var regions []FreeRegion

	cursor := uint64(0)

	for _, s := range occupied {
		if s.start > cursor {
			regions = append(regions, FreeRegion{StartLBA: cursor, EndLBA: s.start - 1})
		}

		if s.end+1 > cursor {
			cursor = s.end + 1
		}
	}

	if cursor < totalSectors {
		regions = append(regions, FreeRegion{StartLBA: cursor, EndLBA: totalSectors - 1})
	}

	return regions
}

// chunkByteSize implements spec.md §4.11 step 2.
func chunkByteSize(total uint64) uint64 {
	switch {
	case total <= singleChunkCeiling:
		return total
	case total <= singleChunk4GCeiling:
		return singleChunk4GCeiling
	default:
		n := (total + 31) / 32

		return ((n + mib - 1) / mib) * mib
	}
}

// planChunks walks regions in order, carving chunkSize-sized (or
// smaller, for the final chunk) spans until total bytes are
// accounted for, per spec.md §4.11 step 3.
func planChunks(regions []FreeRegion, total uint64, sectorSize uint32) ([]FreeRegion, error) {
	if total == 0 {
		return nil, nil
	}

	chunkSize := chunkByteSize(total)
	chunkSectors := (chunkSize + uint64(sectorSize) - 1) / uint64(sectorSize)

	var plan []FreeRegion

	remaining := total

	for _, r := range regions {
		avail := r.sectors()
		cursor := r.StartLBA

		for remaining > 0 && avail > 0 {
			need := chunkSectors
			if needBytes := remaining; needBytes < chunkSize {
				need = (needBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
			}

			if need > avail {
				need = avail
			}

			plan = append(plan, FreeRegion{StartLBA: cursor, EndLBA: cursor + need - 1})

			took := need * uint64(sectorSize)
			if took > remaining {
				took = remaining
			}

			remaining -= took
			cursor += need
			avail -= need

			if len(plan) > maxManifestChunks {
				return nil, ErrTooManyChunks
			}
		}

		if remaining == 0 {
			break
		}
	}

	if remaining > 0 {
		return nil, ErrInsufficientSpace
	}

	return plan, nil
}

// CreatePartitions reads the disk's current GPT table, plans a chunk
// layout for an ISO of size total, carves "basic data" partitions for
// each planned region, rewrites the table, and returns the resulting
// chunk set in allocation order. This is spec.md §4.11 steps 1 and 4.
func CreatePartitions(adapter *blockio.Adapter, sectorSize uint32, totalSectors uint64, total uint64) ([]ChunkPartition, error) {
	d := openDisk(adapter, sectorSize, totalSectors)

	existing, err := d.GetPartitionTable()
	if err != nil {
		return nil, err
	}

	table, ok := existing.(*gpt.Table)
	if !ok {
		return nil, errors.New("isostore: disk is not GPT-partitioned")
	}

	regions := freeRegions(table, totalSectors)

	plan, err := planChunks(regions, total, sectorSize)
	if err != nil {
		return nil, err
	}

	chunks := make([]ChunkPartition, len(plan))

	for i, r := range plan {
		id := uuid.New()

		table.Partitions = append(table.Partitions, &gpt.Partition{
			Start: r.StartLBA,
			End:   r.EndLBA,
			Type:  gpt.Type(basicDataTypeGUID),
			Name:  "morpheus-iso-chunk",
			GUID:  id.String(),
		})

		var raw [16]byte
		copy(raw[:], id[:])

		chunks[i] = ChunkPartition{UUID: raw, StartLBA: r.StartLBA, EndLBA: r.EndLBA}
	}

	if err := d.Partition(table); err != nil {
		return nil, err
	}

	return chunks, nil
}

// FindPartition reads the disk's current GPT table and returns the LBA
// span of the first partition whose type GUID matches typeGUID (see
// ESPTypeGUID), for cmd/morpheus to locate the EFI system partition
// before mounting it.
func FindPartition(adapter *blockio.Adapter, sectorSize uint32, totalSectors uint64, typeGUID string) (startLBA, sectors uint64, err error) {
	d := openDisk(adapter, sectorSize, totalSectors)

	existing, err := d.GetPartitionTable()
	if err != nil {
		return 0, 0, err
	}

	table, ok := existing.(*gpt.Table)
	if !ok {
		return 0, 0, errors.New("isostore: disk is not GPT-partitioned")
	}

	want := gpt.Type(typeGUID)

	for _, p := range table.Partitions {
		if p.Type == want {
			return p.Start, p.End - p.Start + 1, nil
		}
	}

	return 0, 0, ErrPartitionNotFound
}
