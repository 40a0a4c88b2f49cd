// Chunk writer
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package isostore

import "errors"

var (
	ErrChunkSetExhausted = errors.New("isostore: write extends past the last chunk partition")
	ErrNoChunks          = errors.New("isostore: chunk writer needs at least one partition")
)

// SectorWriter is the minimal sector-granular write surface ChunkWriter
// needs; satisfied by *blockio.Adapter. Kept as an interface (rather
// than importing blockio directly) so tests can drive ChunkWriter with
// an in-memory fake instead of real hardware.
type SectorWriter interface {
	WriteBlocks(lba uint64, buf []byte) error
}

// ChunkPartition is one chunk-set member: a GPT "basic data" partition
// carved to hold a contiguous slice of one ISO's bytes.
type ChunkPartition struct {
	UUID     [16]byte
	StartLBA uint64
	EndLBA   uint64
}

func (p ChunkPartition) byteCapacity(sectorSize uint32) uint64 {
	return (p.EndLBA - p.StartLBA + 1) * uint64(sectorSize)
}

// ChunkWriter streams an arbitrary byte stream across a fixed sequence
// of chunk partitions, buffering the sector-unaligned tail across calls
// per spec.md §4.11: bytes are appended to a staging buffer, whole
// sectors are flushed as soon as the buffer holds them, and a chunk
// boundary crossing finishes the outgoing chunk (zero-padding its final
// partial sector) before resetting the cursor for the next one.
type ChunkWriter struct {
	w          SectorWriter
	sectorSize uint32

	partitions []ChunkPartition
	index      int

	offset  uint64 // bytes accepted (buffered + flushed) into the current chunk
	flushed uint64 // bytes already written to disk for the current chunk
	buf     []byte // pending tail, always < sectorSize

	records []ChunkRecord
}

// NewChunkWriter creates a writer over partitions, in order. sectorSize
// must match the underlying device's sector size.
func NewChunkWriter(w SectorWriter, sectorSize uint32, partitions []ChunkPartition) (*ChunkWriter, error) {
	if len(partitions) == 0 {
		return nil, ErrNoChunks
	}

	if len(partitions) > maxManifestChunks {
		return nil, ErrTooManyChunks
	}

	return &ChunkWriter{
		w:          w,
		sectorSize: sectorSize,
		partitions: partitions,
	}, nil
}

// Write implements io.Writer, splitting p across chunk boundaries as
// needed and flushing whole sectors as they accumulate.
func (c *ChunkWriter) Write(p []byte) (int, error) {
	written := 0

	for len(p) > 0 {
		if c.index >= len(c.partitions) {
			return written, ErrChunkSetExhausted
		}

		capacity := c.partitions[c.index].byteCapacity(c.sectorSize)
		remaining := capacity - c.offset

		if remaining == 0 {
			if err := c.closeChunk(); err != nil {
				return written, err
			}

			continue
		}

		n := uint64(len(p))
		if n > remaining {
			n = remaining
		}

		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		c.offset += n
		written += int(n)

		if err := c.flushFullSectors(); err != nil {
			return written, err
		}
	}

	return written, nil
}

func (c *ChunkWriter) flushFullSectors() error {
	n := len(c.buf) / int(c.sectorSize)
	if n == 0 {
		return nil
	}

	flushLen := n * int(c.sectorSize)
	lba := c.partitions[c.index].StartLBA + c.flushed/uint64(c.sectorSize)

	if err := c.w.WriteBlocks(lba, c.buf[:flushLen]); err != nil {
		return err
	}

	c.flushed += uint64(flushLen)
	c.buf = append(c.buf[:0], c.buf[flushLen:]...)

	return nil
}

// flushPartialSector zero-pads and writes whatever tail remains in buf,
// if any.
func (c *ChunkWriter) flushPartialSector() error {
	if len(c.buf) == 0 {
		return nil
	}

	padded := make([]byte, c.sectorSize)
	copy(padded, c.buf)

	lba := c.partitions[c.index].StartLBA + c.flushed/uint64(c.sectorSize)

	if err := c.w.WriteBlocks(lba, padded); err != nil {
		return err
	}

	c.flushed += uint64(c.sectorSize)
	c.buf = c.buf[:0]

	return nil
}

// closeChunk finishes the current chunk (zero-padding and flushing its
// tail), records it, and advances to the next partition.
func (c *ChunkWriter) closeChunk() error {
	if err := c.flushPartialSector(); err != nil {
		return err
	}

	p := c.partitions[c.index]

	c.records = append(c.records, ChunkRecord{
		PartitionUUID: p.UUID,
		StartLBA:      p.StartLBA,
		EndLBA:        p.EndLBA,
		DataSize:      c.offset,
		Index:         uint8(c.index),
		Written:       true,
	})

	c.index++
	c.offset = 0
	c.flushed = 0

	return nil
}

// Finalize flushes any remaining partial sector in the current chunk
// (zero-padded) and returns the completed chunk record set.
func (c *ChunkWriter) Finalize() ([]ChunkRecord, error) {
	if c.index < len(c.partitions) && c.offset > 0 {
		if err := c.closeChunk(); err != nil {
			return nil, err
		}
	}

	return c.records, nil
}
