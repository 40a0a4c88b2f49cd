// CPUID feature probing
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "github.com/f-secure-foundry/morpheus/internal/bits"

// CPUID function numbers and bit positions this runtime probes.
// (Intel Architecture Instruction Set Extensions Programming Reference,
// 1.5 CPUID INSTRUCTION; AMD64 Architecture Programmer's Manual Volume 3,
// Appendix E.4.)
const (
	cpuidInfo          = 0x01
	infoAPIC           = 9
	infoMSR            = 5
	infoTSC            = 4
	infoTSCDeadline    = 24

	cpuidAPM          = 0x80000007
	apmTSCInvariant   = 8
)

// implemented in assembly (cpuid_amd64.s), which this tree does not include
func cpuid(leaf uint32, subleaf uint32) (eax, ebx, ecx, edx uint32)

// probeFeatures populates c.Features from CPUID.
func (c *CPU) probeFeatures() {
	_, _, _, edx := cpuid(cpuidInfo, 0)
	_, _, ecx1, _ := cpuid(cpuidInfo, 0)

	c.Features.APIC = bits.IsSet(&edx, infoAPIC)
	c.Features.MSR = bits.IsSet(&edx, infoMSR)
	c.Features.TSC = bits.IsSet(&edx, infoTSC)
	c.Features.TSCDeadline = bits.IsSet(&ecx1, infoTSCDeadline)

	_, _, _, apmEdx := cpuid(cpuidAPM, 0)
	c.Features.Invariant = bits.IsSet(&apmEdx, apmTSCInvariant)
}
