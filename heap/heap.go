// First-fit byte-granular heap allocator
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package heap implements a single fixed-size arena allocator used for all
// general-purpose dynamic allocation once Go's own runtime allocator is no
// longer available post-ExitBootServices. It is a first-fit free-list
// allocator, the same scheme used for DMA buffers elsewhere in this
// runtime, sized here in bytes rather than pages.
package heap

import (
	"container/list"
	"errors"
	"sync"
	"unsafe"
)

// DefaultSize is the arena size used by New when called with size 0: 4
// MiB, sized to comfortably hold the manifest, directory listing, and
// HTTP response buffers the download orchestrator needs concurrently.
const DefaultSize = 4 << 20

var (
	ErrOutOfMemory = errors.New("heap: out of memory")
	ErrInvalidAddr = errors.New("heap: invalid or already-freed address")
)

type block struct {
	addr uint
	size uint
}

// Arena is a single fixed-size allocation arena.
type Arena struct {
	mu sync.Mutex

	start uint
	size  uint

	free *list.List // *block, ordered by address
	used map[uint]*block
}

// New creates an Arena backed by a freshly-allocated Go byte slice of the
// given size (DefaultSize if size == 0). The backing slice is retained
// for the Arena's lifetime to prevent it from being garbage collected out
// from under outstanding allocations.
func New(size uint) *Arena {
	if size == 0 {
		size = DefaultSize
	}

	buf := make([]byte, size)
	start := uint(uintptr(unsafe.Pointer(&buf[0])))

	a := &Arena{
		start: start,
		size:  size,
		free:  list.New(),
		used:  make(map[uint]*block),
	}

	a.free.PushBack(&block{addr: start, size: size})

	// Keep the backing array alive; nothing else references buf once
	// New returns, and its data is only reachable through raw
	// addresses from here on.
	runtimeKeepAlive(buf)

	return a
}

// runtimeKeepAlive exists purely to document the deliberate lifetime
// extension at the call site above; it is not a substitute for a Go
// runtime.KeepAlive call in a build where the GC is actually active, but
// this runtime has none post-ExitBootServices.
func runtimeKeepAlive(buf []byte) {}

// Start returns the arena's base address.
func (a *Arena) Start() uint { return a.start }

// End returns the arena's exclusive end address.
func (a *Arena) End() uint { return a.start + a.size }

// Size returns the arena's total size in bytes.
func (a *Arena) Size() uint { return a.size }

// FreeBytes returns the number of bytes currently available across all
// free blocks.
func (a *Arena) FreeBytes() uint {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint
	for e := a.free.Front(); e != nil; e = e.Next() {
		total += e.Value.(*block).size
	}

	return total
}

// Alloc reserves size bytes with the given alignment (0 forces word
// alignment) and returns the allocation's address.
func (a *Arena) Alloc(size uint, align uint) (uint, error) {
	if size == 0 {
		return 0, nil
	}

	if align == 0 {
		align = 4
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var e *list.Element
	var fb *block
	var pad uint
	var need uint

	for e = a.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)
		need = size + pad

		if b.size >= need {
			fb = b
			break
		}
	}

	if fb == nil {
		return 0, ErrOutOfMemory
	}

	a.free.Remove(e)

	if r := fb.size - need; r != 0 {
		a.insertFree(&block{addr: fb.addr + need, size: r})
	}

	if pad != 0 {
		a.insertFree(&block{addr: fb.addr, size: pad})
		fb.addr += pad
	}

	fb.size = size
	a.used[fb.addr] = fb

	return fb.addr, nil
}

// Bytes returns a byte slice view of a previously-allocated address. The
// slice is only valid until the allocation is freed.
func (a *Arena) Bytes(addr uint, size uint) []byte {
	var ptr unsafe.Pointer
	ptr = unsafe.Add(ptr, addr)
	return unsafe.Slice((*byte)(ptr), size)
}

// Free releases a previously-Alloc'd address back to the free list,
// coalescing with adjacent free blocks.
func (a *Arena) Free(addr uint) error {
	if addr == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.used[addr]
	if !ok {
		return ErrInvalidAddr
	}

	delete(a.used, addr)
	a.insertFree(b)
	a.defrag()

	return nil
}

func (a *Arena) insertFree(b *block) {
	for e := a.free.Front(); e != nil; e = e.Next() {
		if e.Value.(*block).addr > b.addr {
			a.free.InsertBefore(b, e)
			return
		}
	}

	a.free.PushBack(b)
}

func (a *Arena) defrag() {
	var prev *block

	for e := a.free.Front(); e != nil; {
		b := e.Value.(*block)
		next := e.Next()

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			a.free.Remove(e)
		} else {
			prev = b
		}

		e = next
	}
}
