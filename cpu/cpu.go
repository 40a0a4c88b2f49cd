// x86-64 processor support
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cpu provides the AMD64 processor setup this runtime performs
// once in full control of the hardware: GDT/TSS/IDT installation, the
// legacy PIC remap, and TSC calibration. It runs once, from the single
// boot processor, before the main loop (package orchestrator) begins
// polling.
package cpu

import (
	"errors"

	"github.com/f-secure-foundry/morpheus/internal/reg"
)

// Keyboard controller command port, through which Reset pulses the CPU
// reset line.
const kbdPort = 0x64

var ErrCalibrationFailed = errors.New("cpu: TSC calibration against PIT failed")

// Features records the subset of CPUID-reported capabilities this
// runtime cares about.
type Features struct {
	APIC       bool
	MSR        bool
	TSC        bool
	TSCDeadline bool
	Invariant  bool // invariant TSC (CPUID.80000007H:EDX[8])
}

// CPU represents the single processor this runtime runs on; unlike the
// teacher framework this targets, SMP bring-up is out of scope (the
// download orchestrator is deliberately single-threaded).
type CPU struct {
	Features Features

	// freqHz is the calibrated TSC frequency in Hz.
	freqHz uint64

	gdt *gdtTable
	idt *idtTable
}

// implemented in assembly (tsc_amd64.s), which this tree does not include
func readTSC() uint64

// implemented in assembly (halt_amd64.s), which this tree does not include
func halt()
func exit(int32)

// Init performs full processor bring-up: CPUID feature probe, GDT/TSS/IDT
// installation, PIC remap, and TSC calibration. It panics if TSC
// calibration against the PIT fails, per this runtime's policy of never
// guessing a core frequency.
func (c *CPU) Init() {
	c.probeFeatures()

	c.gdt = newGDT()
	c.gdt.install()

	c.idt = newIDT()
	c.idt.install()
	c.installTraps()

	remapPIC()
	maskAllIRQs()

	hz, err := PITCalibrate(readTSC)
	if err != nil {
		panic(err)
	}

	c.freqHz = hz
}

// Freq returns the calibrated TSC frequency in Hz. It is zero until Init
// has completed successfully.
func (c *CPU) Freq() uint64 {
	return c.freqHz
}

// Counter returns the raw TSC value.
func (c *CPU) Counter() uint64 {
	return readTSC()
}

// Nanoseconds converts a TSC tick delta into nanoseconds using the
// calibrated frequency.
func (c *CPU) Nanoseconds(ticks uint64) uint64 {
	if c.freqHz == 0 {
		return 0
	}

	return ticks * 1e9 / c.freqHz
}

// Halt suspends execution until the next interrupt (HLT instruction).
func (c *CPU) Halt() {
	halt()
}

// Reset pulses the CPU reset line through the 8042 keyboard controller,
// the same mechanism the teacher framework uses on AMD64.
func (c *CPU) Reset() {
	reg.Out8(kbdPort, 0xfe)
}
