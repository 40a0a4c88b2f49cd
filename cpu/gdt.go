// Global Descriptor Table / Task State Segment setup
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "unsafe"

// Segment selectors, fixed by this runtime's GDT layout.
const (
	SelectorNull  = 0x00
	SelectorCode  = 0x08
	SelectorData  = 0x10
	SelectorTSS   = 0x18
)

// gdtEntry is a single 8-byte x86-64 GDT descriptor.
type gdtEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMiddle uint8
	Access     uint8
	Granularity uint8
	BaseHigh   uint8
}

// tssDescriptor is the 16-byte system-segment descriptor a 64-bit TSS
// occupies in the GDT (two consecutive 8-byte slots).
type tssDescriptor struct {
	gdtEntry
	BaseUpper uint32
	Reserved  uint32
}

// tss is the minimal 64-bit Task State Segment. Its RSP and interrupt
// stack table (IST) entries are left zero and every IDT gate is
// installed with IST 0, so all handlers, including double-fault and NMI,
// run on the interrupted context's stack.
type tss struct {
	reserved0 uint32
	rsp       [3]uint64
	reserved1 uint64
	ist       [7]uint64
	reserved2 uint64
	reserved3 uint16
	ioMapBase uint16
}

const (
	accessPresent  = 1 << 7
	accessCode     = 0b11010 << 3
	accessData     = 0b10010 << 3
	accessTSS      = 0b01001 // available 64-bit TSS
	granLongMode   = 1 << 1
)

type gdtTable struct {
	entries [3]gdtEntry
	tssDesc tssDescriptor
	tss     tss
}

func newGDT() *gdtTable {
	g := &gdtTable{}

	g.entries[1] = gdtEntry{Access: accessPresent | accessCode, Granularity: granLongMode << 4}
	g.entries[2] = gdtEntry{Access: accessPresent | accessData}

	base := uint64(uintptr(unsafe.Pointer(&g.tss)))
	limit := uint32(unsafe.Sizeof(g.tss) - 1)

	g.tssDesc.LimitLow = uint16(limit)
	g.tssDesc.BaseLow = uint16(base)
	g.tssDesc.BaseMiddle = uint8(base >> 16)
	g.tssDesc.Access = accessPresent | accessTSS
	g.tssDesc.BaseHigh = uint8(base >> 24)
	g.tssDesc.BaseUpper = uint32(base >> 32)

	return g
}

// implemented in assembly (gdt_amd64.s), which this tree does not include
func loadGDT(base uintptr, limit uint16)
func loadTSS(selector uint16)

func (g *gdtTable) install() {
	base := uintptr(unsafe.Pointer(&g.entries[0]))
	limit := uint16(unsafe.Sizeof(g.entries) + unsafe.Sizeof(g.tssDesc) - 1)

	loadGDT(base, limit)
	loadTSS(SelectorTSS)
}
