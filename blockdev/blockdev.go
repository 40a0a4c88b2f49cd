// Block driver abstraction
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package blockdev defines the common, non-blocking contract every block
// storage driver in this runtime implements (VirtIO-blk and AHCI), and
// the request/completion types that flow across it. Drivers never block:
// submission enqueues work and returns immediately, completions are
// retrieved by polling.
package blockdev

import "errors"

var (
	ErrQueueFull      = errors.New("blockdev: submission queue full")
	ErrInvalidSector  = errors.New("blockdev: sector out of range")
	ErrRequestTooLarge = errors.New("blockdev: sector count exceeds MaxSectorsPerRequest")
	ErrReadOnly       = errors.New("blockdev: device is read-only")
	ErrDevice         = errors.New("blockdev: device error")
)

// Info describes a block device's fixed geometry.
type Info struct {
	TotalSectors        uint64
	SectorSize          uint32 // power of two, 512 or 4096
	MaxSectorsPerRequest uint32
	ReadOnly            bool
}

// Request describes one in-flight read or write.
type Request struct {
	// Sector is the starting LBA, inclusive.
	Sector uint64
	// BufferPhys is the physical address of the transfer buffer.
	BufferPhys uint
	// SectorCount is the number of sectors to transfer.
	SectorCount uint32
	// ID is the caller-assigned request identifier, echoed back in the
	// matching Completion.
	ID uint64
	// Write distinguishes a write request from a read.
	Write bool
}

// Completion reports the outcome of a previously submitted Request.
type Completion struct {
	ID            uint64
	Status        int // 0 == success
	BytesTransferred uint32
}

// validateRequest applies the range/size/read-only checks shared by every
// driver's submit path.
func validateRequest(req Request, info Info, write bool) error {
	if req.Sector+uint64(req.SectorCount) > info.TotalSectors {
		return ErrInvalidSector
	}

	if req.SectorCount > info.MaxSectorsPerRequest {
		return ErrRequestTooLarge
	}

	if write && info.ReadOnly {
		return ErrReadOnly
	}

	return nil
}

// Driver is the common, non-blocking contract every block storage driver
// implements.
type Driver interface {
	// Info returns the device's fixed geometry.
	Info() Info
	// CanSubmit reports whether the driver has room for another
	// request without blocking.
	CanSubmit() bool
	// SubmitRead enqueues a read request. It never blocks.
	SubmitRead(req Request) error
	// SubmitWrite enqueues a write request. It never blocks.
	SubmitWrite(req Request) error
	// PollCompletion returns the next available completion, or false
	// if none is ready yet.
	PollCompletion() (Completion, bool)
	// Notify signals the device that newly submitted requests are
	// ready to be processed (e.g. a virtqueue doorbell write).
	Notify()
	// Flush requests that all completed writes be made durable.
	Flush() error
}
