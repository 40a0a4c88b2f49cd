// Chunked ISO read path
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
	"io"

	"github.com/f-secure-foundry/morpheus/blockio"
)

// SectorReader is the minimal sector-granular read surface
// ReadContext needs; satisfied by *blockio.Adapter.
type SectorReader interface {
	ReadBlocks(lba uint64, dst []byte) error
}

var ErrOffsetOutOfRange = errors.New("isostore: negative read offset")

// ReadContext implements io.ReaderAt over a chunk set's logical byte
// space, mapping a logical offset to (chunk index, byte offset within
// chunk) and from there to (partition.start_lba + offset/sector_size,
// in-sector offset), splitting reads that cross a chunk boundary into
// per-chunk reads — spec.md §4.11's read path.
type ReadContext struct {
	r          SectorReader
	sectorSize uint32
	chunks     []ChunkRecord
}

// NewReadContext builds a read-only view over chunks, in logical
// order.
func NewReadContext(r SectorReader, sectorSize uint32, chunks []ChunkRecord) *ReadContext {
	return &ReadContext{r: r, sectorSize: sectorSize, chunks: chunks}
}

func (c *ReadContext) totalSize() uint64 {
	var total uint64

	for _, ch := range c.chunks {
		total += ch.DataSize
	}

	return total
}

// ReadAt implements io.ReaderAt.
func (c *ReadContext) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOffsetOutOfRange
	}

	offset := uint64(off)
	total := c.totalSize()

	if offset >= total && len(p) > 0 {
		return 0, io.EOF
	}

	read := 0

	for read < len(p) {
		chunkIndex, chunkOffset, ok := c.locate(offset)
		if !ok {
			if read == 0 {
				return 0, io.EOF
			}

			return read, io.EOF
		}

		chunk := c.chunks[chunkIndex]
		avail := chunk.DataSize - chunkOffset

		n := uint64(len(p) - read)
		if n > avail {
			n = avail
		}

		if err := c.readChunk(chunk, chunkOffset, p[read:read+int(n)]); err != nil {
			return read, err
		}

		read += int(n)
		offset += n
	}

	return read, nil
}

// locate maps a logical offset to a (chunk index, byte offset within
// chunk) pair.
func (c *ReadContext) locate(offset uint64) (int, uint64, bool) {
	for i, ch := range c.chunks {
		if offset < ch.DataSize {
			return i, offset, true
		}

		offset -= ch.DataSize
	}

	return 0, 0, false
}

// readChunk reads n bytes starting at chunkOffset within chunk,
// sector-aligning the underlying device access and trimming the result
// to the requested byte range.
func (c *ReadContext) readChunk(chunk ChunkRecord, chunkOffset uint64, dst []byte) error {
	sectorSize := uint64(c.sectorSize)

	startSector := chunkOffset / sectorSize
	endSector := (chunkOffset + uint64(len(dst)) - 1) / sectorSize

	lba := chunk.StartLBA + startSector
	sectors := endSector - startSector + 1

	buf := make([]byte, sectors*sectorSize)
	if err := c.r.ReadBlocks(lba, buf); err != nil {
		return err
	}

	inner := chunkOffset - startSector*sectorSize
	copy(dst, buf[inner:inner+uint64(len(dst))])

	return nil
}
