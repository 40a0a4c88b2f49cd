// Memory registry
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package memory

import (
	"container/list"
	"errors"
	"sort"
)

var (
	ErrNoMemory       = errors.New("memory: no region satisfies allocation strategy")
	ErrNotAllocated   = errors.New("memory: address range is not currently allocated by this registry")
	ErrMisaligned     = errors.New("memory: address or size not page-aligned")
	ErrOverlap        = errors.New("memory: imported region overlaps an existing region")
	ErrAlreadyImported = errors.New("memory: firmware map already imported")
)

// Strategy selects where AllocatePages searches for a fit.
type Strategy struct {
	kind strategyKind
	addr uint64
}

type strategyKind int

const (
	strategyAny strategyKind = iota
	strategyMaxAddress
	strategyExact
)

// Any allocates anywhere a free region of sufficient size exists,
// preferring the lowest address (first fit).
func Any() Strategy { return Strategy{kind: strategyAny} }

// MaxAddress allocates the lowest-address fit whose entire range lies at
// or below limit.
func MaxAddress(limit uint64) Strategy { return Strategy{kind: strategyMaxAddress, addr: limit} }

// Exact allocates starting exactly at addr, failing if the range is not
// entirely free.
func Exact(addr uint64) Strategy { return Strategy{kind: strategyExact, addr: addr} }

// freeBlock is one entry in the registry's free list, tracking a
// contiguous run of free pages independently of the region list (a free
// block may span, or be spanned by, several conventional regions created
// by successive ImportFirmwareMap calls).
type freeBlock struct {
	start uint64
	pages uint64
}

// Registry is the system's physical memory map, populated once from the
// firmware's memory map and thereafter serving page and pool allocations
// to every other package until kernel handover.
//
// Registry is not safe for concurrent use; the main loop's single-
// threaded, polled execution model (§4.12) makes this unnecessary.
type Registry struct {
	regions []Region
	free    *list.List // *freeBlock, ordered by start address
	generation uint64
	imported bool
}

// NewRegistry returns an empty Registry. Call ImportFirmwareMap before any
// other operation.
func NewRegistry() *Registry {
	return &Registry{
		free: list.New(),
	}
}

// ImportFirmwareMap seeds the registry from the firmware-provided memory
// map. It must be called exactly once, after ExitBootServices, before any
// allocation is attempted.
func (r *Registry) ImportFirmwareMap(descs []FirmwareMemoryDescriptor) error {
	if r.imported {
		return ErrAlreadyImported
	}

	regions := make([]Region, 0, len(descs))
	for _, d := range descs {
		reg := Region{
			Start: d.PhysicalStart,
			Pages: d.NumberOfPages,
			Kind:  d.Kind,
			Attr:  d.Attr,
		}

		for _, existing := range regions {
			if reg.Overlaps(existing) {
				return ErrOverlap
			}
		}

		regions = append(regions, reg)
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	r.regions = regions
	r.rebuildFreeList()
	r.imported = true
	r.generation++

	return nil
}

// rebuildFreeList recomputes the free list from scratch off the current
// region list. Regions of kind Conventional contribute their full extent;
// adjacent conventional regions are coalesced into a single free block.
func (r *Registry) rebuildFreeList() {
	r.free.Init()

	var cur *freeBlock

	for _, reg := range r.regions {
		if !reg.Kind.free() {
			cur = nil
			continue
		}

		if cur != nil && cur.start+cur.pages*PageSize == reg.Start {
			cur.pages += reg.Pages
			continue
		}

		cur = &freeBlock{start: reg.Start, pages: reg.Pages}
		r.free.PushBack(cur)
	}
}

// findFit locates the free-list element satisfying strategy for a request
// of the given page count, or nil if none exists.
func (r *Registry) findFit(strategy Strategy, pages uint64) *list.Element {
	for e := r.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*freeBlock)

		switch strategy.kind {
		case strategyAny:
			if b.pages >= pages {
				return e
			}
		case strategyMaxAddress:
			if b.pages >= pages && b.start+pages*PageSize-1 <= strategy.addr {
				return e
			}
		case strategyExact:
			if b.start <= strategy.addr && b.start+b.pages*PageSize >= strategy.addr+pages*PageSize {
				return e
			}
		}
	}

	return nil
}

// AllocatePages reserves pages contiguous pages satisfying strategy,
// tags them with kind, and returns the allocation's base address.
func (r *Registry) AllocatePages(strategy Strategy, kind Kind, pages uint64) (uint64, error) {
	if pages == 0 {
		return 0, ErrMisaligned
	}

	e := r.findFit(strategy, pages)
	if e == nil {
		return 0, ErrNoMemory
	}

	b := e.Value.(*freeBlock)

	var start uint64
	if strategy.kind == strategyExact {
		start = strategy.addr
	} else {
		start = b.start
	}

	// Split the free block around [start, start+pages*PageSize).
	headPages := (start - b.start) / PageSize
	tailStart := start + pages*PageSize
	tailPages := (b.start + b.pages*PageSize - tailStart) / PageSize

	if headPages > 0 {
		b.pages = headPages
	} else if tailPages > 0 {
		b.start = tailStart
		b.pages = tailPages
	} else {
		r.free.Remove(e)
	}

	if headPages > 0 && tailPages > 0 {
		r.free.InsertAfter(&freeBlock{start: tailStart, pages: tailPages}, e)
	}

	r.insertRegion(Region{Start: start, Pages: pages, Kind: kind})
	r.generation++

	return start, nil
}

// FreePages releases a prior AllocatePages allocation, returning it to the
// free list as conventional memory.
func (r *Registry) FreePages(start uint64, pages uint64) error {
	idx := -1
	for i, reg := range r.regions {
		if reg.Start == start && reg.Pages == pages && reg.Kind.ours() {
			idx = i
			break
		}
	}

	if idx < 0 {
		return ErrNotAllocated
	}

	r.regions[idx].Kind = KindConventional
	r.rebuildFreeList()
	r.generation++

	return nil
}

// AllocatePool is a convenience wrapper over AllocatePages for
// byte-granular requests backing transient firmware-style allocations; it
// rounds size up to a whole number of pages and tags the result
// KindOurGeneric.
func (r *Registry) AllocatePool(size uint64) (uint64, error) {
	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}

	return r.AllocatePages(Any(), KindOurGeneric, pages)
}

// insertRegion inserts reg into the ordered region list, splitting or
// shrinking any existing region(s) it overlaps (which must, by
// construction, be a single Conventional region spanning it).
func (r *Registry) insertRegion(reg Region) {
	var out []Region

	for _, existing := range r.regions {
		if !reg.Overlaps(existing) {
			out = append(out, existing)
			continue
		}

		if existing.Start < reg.Start {
			out = append(out, Region{Start: existing.Start, Pages: (reg.Start - existing.Start) / PageSize, Kind: existing.Kind, Attr: existing.Attr})
		}

		out = append(out, reg)

		if existing.End() > reg.End() {
			out = append(out, Region{Start: reg.End(), Pages: (existing.End() - reg.End()) / PageSize, Kind: existing.Kind, Attr: existing.Attr})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	r.regions = out
}

// Regions returns a snapshot copy of the registry's current region list,
// ordered by ascending address.
func (r *Registry) Regions() []Region {
	out := make([]Region, len(r.regions))
	copy(out, r.regions)
	return out
}

// Generation returns the number of mutating operations (imports,
// allocations, frees) applied to the registry so far; it increases
// monotonically and never repeats, letting callers detect whether the map
// changed since they last observed it.
func (r *Registry) Generation() uint64 {
	return r.generation
}

// Stats summarizes the registry's current region list by kind.
type Stats struct {
	TotalPages      uint64
	FreePages       uint64
	AllocatedPages  uint64
	ReservedPages   uint64
	RegionCount     int
}

// Stats computes aggregate statistics over the current region list.
func (r *Registry) Stats() Stats {
	var s Stats

	s.RegionCount = len(r.regions)

	for _, reg := range r.regions {
		s.TotalPages += reg.Pages

		switch {
		case reg.Kind.free():
			s.FreePages += reg.Pages
		case reg.Kind.ours():
			s.AllocatedPages += reg.Pages
		default:
			s.ReservedPages += reg.Pages
		}
	}

	return s
}

// BootProtocolEntry is one line of the coarse memory map exported to the
// Linux kernel boot protocol.
type BootProtocolEntry struct {
	Start uint64
	Size  uint64
	Kind  BootKind
}

// ExportBootProtocol projects the registry's region list into the coarse
// taxonomy (BootKind) expected by the Linux kernel boot protocol,
// coalescing adjacent regions that map to the same BootKind.
func (r *Registry) ExportBootProtocol() []BootProtocolEntry {
	var out []BootProtocolEntry

	for _, reg := range r.regions {
		bk := reg.Kind.BootKind()

		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Start+last.Size == reg.Start && last.Kind == bk {
				last.Size += reg.Size()
				continue
			}
		}

		out = append(out, BootProtocolEntry{Start: reg.Start, Size: reg.Size(), Kind: bk})
	}

	return out
}
