// Block-I/O adapter
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockio adapts any blockdev.Driver's non-blocking
// submit/poll interface into a blocking, sector-granular read/write/flush
// API. There is no teacher analogue for this layer (the framework this
// runtime is built from hands its block drivers straight to a filesystem
// package without an adapter in between); it is built directly against
// this runtime's own blockdev.Driver contract, reusing dma.Region for the
// scratch transfer buffer the same way the virtqueue descriptors do.
package blockio

import (
	"errors"

	"github.com/f-secure-foundry/morpheus/blockdev"
	"github.com/f-secure-foundry/morpheus/dma"
)

// bufferSize is the scratch DMA buffer size backing every Adapter; at
// least 64 KiB per spec.
const bufferSize = 64 * 1024

var (
	ErrMisaligned = errors.New("blockio: buffer length is not a multiple of the sector size")
	ErrTimeout    = errors.New("blockio: request timed out")
	ErrDevice     = errors.New("blockio: device reported a non-zero status")
)

// Adapter turns a blockdev.Driver into a blocking, sector-granular API.
type Adapter struct {
	driver blockdev.Driver

	bufAddr uint
	bufCap  uint32 // capacity in sectors, fixed at construction

	nextID uint64

	timeoutTicks uint64
	counter      func() uint64
}

// New allocates the adapter's scratch DMA buffer and binds it to driver.
// timeoutTicks bounds every submitted request in units of whatever clock
// counter reports (typically cpu.Counter's TSC ticks); counter is called
// to measure elapsed time while polling for a completion.
func New(driver blockdev.Driver, timeoutTicks uint64, counter func() uint64) *Adapter {
	addr, _ := dma.Reserve(bufferSize, 4096)

	info := driver.Info()

	return &Adapter{
		driver:       driver,
		bufAddr:      addr,
		bufCap:       bufferSize / info.SectorSize,
		timeoutTicks: timeoutTicks,
		counter:      counter,
	}
}

// chunkSectors computes how many sectors of a remaining transfer can be
// issued in a single request, bounded by the device's own per-request
// limit and by the adapter's scratch buffer capacity. Split out as a pure
// function so it can be exercised without a real driver or DMA region.
func chunkSectors(remaining, maxPerRequest, bufCap uint32) uint32 {
	chunk := remaining

	if maxPerRequest != 0 && chunk > maxPerRequest {
		chunk = maxPerRequest
	}

	if chunk > bufCap {
		chunk = bufCap
	}

	return chunk
}

// drain discards any completions left over from an abandoned prior call;
// the spec requires this at the start of every read/write so that a
// timed-out request's late completion can never be misread as belonging
// to the next one.
func (a *Adapter) drain() {
	for {
		if _, ok := a.driver.PollCompletion(); !ok {
			return
		}
	}
}

// awaitID polls until the completion with the given ID arrives or the
// timeout budget is exceeded, discarding any other completions it sees
// along the way (the device may still be draining requests from the
// same chunked call that raced ahead or behind).
func (a *Adapter) awaitID(id uint64) (blockdev.Completion, error) {
	start := a.counter()

	for {
		c, ok := a.driver.PollCompletion()
		if ok {
			if c.ID == id {
				return c, nil
			}

			continue
		}

		if a.counter()-start > a.timeoutTicks {
			return blockdev.Completion{}, ErrTimeout
		}
	}
}

func (a *Adapter) transfer(lba uint64, buf []byte, write bool) error {
	info := a.driver.Info()

	if info.SectorSize == 0 || len(buf)%int(info.SectorSize) != 0 {
		return ErrMisaligned
	}

	if write && info.ReadOnly {
		return blockdev.ErrReadOnly
	}

	remaining := uint32(len(buf)) / info.SectorSize
	offset := 0

	for remaining > 0 {
		a.drain()

		chunk := chunkSectors(remaining, info.MaxSectorsPerRequest, a.bufCap)
		chunkBytes := int(chunk) * int(info.SectorSize)

		if write {
			dma.Write(a.bufAddr, 0, buf[offset:offset+chunkBytes])
		}

		id := a.nextID
		a.nextID++

		req := blockdev.Request{
			Sector:      lba,
			BufferPhys:  a.bufAddr,
			SectorCount: chunk,
			ID:          id,
			Write:       write,
		}

		var err error
		if write {
			err = a.driver.SubmitWrite(req)
		} else {
			err = a.driver.SubmitRead(req)
		}

		if err != nil {
			return err
		}

		a.driver.Notify()

		c, err := a.awaitID(id)
		if err != nil {
			return err
		}

		if c.Status != 0 {
			return ErrDevice
		}

		if !write {
			dma.Read(a.bufAddr, 0, buf[offset:offset+chunkBytes])
		}

		lba += uint64(chunk)
		offset += chunkBytes
		remaining -= chunk
	}

	return nil
}

// ReadBlocks reads len(dst)/sector_size sectors starting at lba into dst.
func (a *Adapter) ReadBlocks(lba uint64, dst []byte) error {
	return a.transfer(lba, dst, false)
}

// WriteBlocks writes len(src)/sector_size sectors starting at lba from src.
func (a *Adapter) WriteBlocks(lba uint64, src []byte) error {
	return a.transfer(lba, src, true)
}

// Flush requests a synchronous cache flush from the underlying driver.
func (a *Adapter) Flush() error {
	return a.driver.Flush()
}
