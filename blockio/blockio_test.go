// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package blockio

import (
	"testing"

	"github.com/f-secure-foundry/morpheus/blockdev"
)

// fakeDriver is a blockdev.Driver double that never touches real hardware,
// used to exercise the adapter's drain/await/chunking logic in isolation.
type fakeDriver struct {
	info        blockdev.Info
	completions []blockdev.Completion
}

func (f *fakeDriver) Info() blockdev.Info                { return f.info }
func (f *fakeDriver) CanSubmit() bool                    { return true }
func (f *fakeDriver) SubmitRead(blockdev.Request) error  { return nil }
func (f *fakeDriver) SubmitWrite(blockdev.Request) error { return nil }
func (f *fakeDriver) Notify()                            {}
func (f *fakeDriver) Flush() error                       { return nil }

func (f *fakeDriver) PollCompletion() (blockdev.Completion, bool) {
	if len(f.completions) == 0 {
		return blockdev.Completion{}, false
	}

	c := f.completions[0]
	f.completions = f.completions[1:]

	return c, true
}

var _ blockdev.Driver = (*fakeDriver)(nil)

func TestChunkSectorsBoundedByDeviceLimit(t *testing.T) {
	if got := chunkSectors(1000, 256, 4096); got != 256 {
		t.Fatalf("chunkSectors() = %d, want 256", got)
	}
}

func TestChunkSectorsBoundedByBufferCapacity(t *testing.T) {
	if got := chunkSectors(1000, 0, 128); got != 128 {
		t.Fatalf("chunkSectors() = %d, want 128", got)
	}
}

func TestChunkSectorsBoundedByRemaining(t *testing.T) {
	if got := chunkSectors(10, 256, 4096); got != 10 {
		t.Fatalf("chunkSectors() = %d, want 10", got)
	}
}

func TestTransferRejectsMisalignedBuffer(t *testing.T) {
	a := &Adapter{driver: &fakeDriver{info: blockdev.Info{SectorSize: 512, TotalSectors: 1024}}}

	if err := a.ReadBlocks(0, make([]byte, 511)); err != ErrMisaligned {
		t.Fatalf("ReadBlocks() = %v, want ErrMisaligned", err)
	}
}

func TestTransferRejectsWriteToReadOnlyDevice(t *testing.T) {
	info := blockdev.Info{SectorSize: 512, TotalSectors: 1024, ReadOnly: true}
	a := &Adapter{driver: &fakeDriver{info: info}}

	if err := a.WriteBlocks(0, make([]byte, 512)); err != blockdev.ErrReadOnly {
		t.Fatalf("WriteBlocks() = %v, want ErrReadOnly", err)
	}
}

func TestDrainDiscardsPendingCompletions(t *testing.T) {
	driver := &fakeDriver{completions: []blockdev.Completion{{ID: 1}, {ID: 2}, {ID: 3}}}
	a := &Adapter{driver: driver}

	a.drain()

	if len(driver.completions) != 0 {
		t.Fatalf("drain() left %d completions pending", len(driver.completions))
	}
}

func TestAwaitIDSkipsMismatchedCompletions(t *testing.T) {
	driver := &fakeDriver{completions: []blockdev.Completion{{ID: 1}, {ID: 2, Status: 0}}}
	a := &Adapter{driver: driver, counter: func() uint64 { return 0 }, timeoutTicks: 1000}

	c, err := a.awaitID(2)
	if err != nil {
		t.Fatalf("awaitID() error = %v", err)
	}

	if c.ID != 2 {
		t.Fatalf("awaitID() returned completion for ID %d, want 2", c.ID)
	}
}

func TestAwaitIDTimesOut(t *testing.T) {
	tick := uint64(0)
	counter := func() uint64 {
		tick++
		return tick * 1000
	}

	a := &Adapter{driver: &fakeDriver{}, counter: counter, timeoutTicks: 500}

	if _, err := a.awaitID(99); err != ErrTimeout {
		t.Fatalf("awaitID() = %v, want ErrTimeout", err)
	}
}
