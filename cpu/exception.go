// Processor exception handling
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "github.com/f-secure-foundry/morpheus/internal/exception"

// Reserved CPU exception vectors (Intel 64 and IA-32 Architectures
// Software Developer's Manual, Volume 3A, 6.3.1).
const (
	firstExceptionVector = 0
	lastExceptionVector  = 31
)

// trapStubSize is the byte spacing between consecutive entries of the
// trap jump table built by loadTrapTable; it must match the per-vector
// stub size of the assembly trap table (trap_amd64.s, which this tree
// does not include).
const trapStubSize = 5

// implemented in assembly (trap_amd64.s, which this tree does not
// include): lays down lastExceptionVector+1 fixed-size
// stubs, one per CPU exception vector, each pushing its own vector
// number before calling commonTrap and returns the table's base address.
func loadTrapTable() uintptr

var trapTableBase uintptr
var isThrowing bool

// installTraps points every CPU-defined exception vector (0-31) at its
// trap stub, so a fault prints its vector, then the source location of
// the stub's return address via package exception, instead of silently
// triple-faulting the machine.
// Vectors above 31 are left unset: hardware IRQs never reach the CPU
// with every PIC line masked (see maskAllIRQs), so nothing but a CPU
// exception ever needs a handler at all.
func (c *CPU) installTraps() {
	if trapTableBase == 0 {
		trapTableBase = loadTrapTable()
	}

	for v := firstExceptionVector; v <= lastExceptionVector; v++ {
		c.idt.SetHandler(v, trapTableBase+uintptr(v*trapStubSize), 0)
	}
}

// vectorFromPC recovers the exception vector a trap stub was entered
// through from its own return address, the same table-offset trick the
// teacher's IDT code uses to recover a vector number from an interrupt
// service routine address.
func vectorFromPC(pc uintptr) int {
	if trapTableBase == 0 || pc < trapTableBase {
		return -1
	}

	return int(pc-trapTableBase) / trapStubSize
}

// commonTrap is reached from any of the 32 trap stubs installTraps
// wires up. It never returns: exception.Throw always panics. A second
// trap taken while already throwing (a fault during unwind) halts
// instead of recursing.
func commonTrap(pc uintptr) {
	if isThrowing {
		halt()
	}

	isThrowing = true

	print("cpu: exception, vector ", vectorFromPC(pc), "\n")
	exception.Throw(pc)
}
