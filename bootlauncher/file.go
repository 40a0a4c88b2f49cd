// Block-source to filesystem-library file adapters
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bootlauncher

import (
	"errors"
	"io"

	"github.com/f-secure-foundry/morpheus/blockio"
)

// partitionFile adapts a partition's sector range on a *blockio.Adapter to
// the seekable Read/Write/ReadAt/WriteAt/Close surface go-diskfs's
// filesystem readers expect. offsetLBA/sectors describe the partition's
// span on the underlying device; callers address it as if it started at
// byte 0.
type partitionFile struct {
	adapter    *blockio.Adapter
	sectorSize int64
	offsetLBA  uint64
	sectors    uint64

	cursor int64
}

func newPartitionFile(adapter *blockio.Adapter, sectorSize uint32, offsetLBA, sectors uint64) *partitionFile {
	return &partitionFile{adapter: adapter, sectorSize: int64(sectorSize), offsetLBA: offsetLBA, sectors: sectors}
}

func (f *partitionFile) size() int64 { return int64(f.sectors) * f.sectorSize }

func (f *partitionFile) ReadAt(p []byte, off int64) (int, error) {
	return f.blockIO(p, off, false)
}

func (f *partitionFile) WriteAt(p []byte, off int64) (int, error) {
	return f.blockIO(p, off, true)
}

// blockIO sector-aligns an arbitrary [off, off+len(p)) byte range by
// staging full sectors and trimming, so callers (go-diskfs's filesystem
// readers) never need to know the underlying device only transfers whole
// sectors.
func (f *partitionFile) blockIO(p []byte, off int64, write bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if off < 0 || off+int64(len(p)) > f.size() {
		return 0, io.EOF
	}

	startSector := off / f.sectorSize
	endSector := (off + int64(len(p)) - 1) / f.sectorSize
	sectors := endSector - startSector + 1

	buf := make([]byte, sectors*f.sectorSize)
	lba := f.offsetLBA + uint64(startSector)

	if write {
		inner := off - startSector*f.sectorSize

		// Read-modify-write whenever the range doesn't cover whole
		// sectors, matching the zero-pad/partial-sector handling every
		// other chunked writer in this module performs.
		if inner != 0 || int64(len(p))%f.sectorSize != 0 {
			if err := f.adapter.ReadBlocks(lba, buf); err != nil {
				return 0, err
			}
		}

		copy(buf[inner:inner+int64(len(p))], p)

		if err := f.adapter.WriteBlocks(lba, buf); err != nil {
			return 0, err
		}

		return len(p), nil
	}

	if err := f.adapter.ReadBlocks(lba, buf); err != nil {
		return 0, err
	}

	inner := off - startSector*f.sectorSize
	copy(p, buf[inner:inner+int64(len(p))])

	return len(p), nil
}

func (f *partitionFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.cursor)
	f.cursor += int64(n)

	return n, err
}

func (f *partitionFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.cursor)
	f.cursor += int64(n)

	return n, err
}

func (f *partitionFile) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.cursor
	case io.SeekEnd:
		base = f.size()
	default:
		return 0, errors.New("bootlauncher: invalid whence")
	}

	pos := base + offset
	if pos < 0 {
		return 0, errors.New("bootlauncher: negative seek position")
	}

	f.cursor = pos

	return pos, nil
}

func (f *partitionFile) Close() error { return nil }

// readerAtFile wraps a read-only io.ReaderAt (isostore.ReadContext) in
// the same seekable surface for the chunked-ISO boot path, which never
// writes to its source.
type readerAtFile struct {
	r    io.ReaderAt
	size int64

	cursor int64
}

func newReaderAtFile(r io.ReaderAt, size int64) *readerAtFile {
	return &readerAtFile{r: r, size: size}
}

func (f *readerAtFile) ReadAt(p []byte, off int64) (int, error) { return f.r.ReadAt(p, off) }

func (f *readerAtFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("bootlauncher: chunked ISO source is read-only")
}

func (f *readerAtFile) Read(p []byte) (int, error) {
	n, err := f.r.ReadAt(p, f.cursor)
	f.cursor += int64(n)

	return n, err
}

func (f *readerAtFile) Write(p []byte) (int, error) { return f.WriteAt(p, f.cursor) }

func (f *readerAtFile) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.cursor
	case io.SeekEnd:
		base = f.size
	default:
		return 0, errors.New("bootlauncher: invalid whence")
	}

	f.cursor = base + offset

	return f.cursor, nil
}

func (f *readerAtFile) Close() error { return nil }
