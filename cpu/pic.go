// Legacy 8259 PIC remap
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "github.com/f-secure-foundry/morpheus/internal/reg"

// 8259A PIC I/O ports.
const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xa0
	picSlaveData  = 0xa1

	icw1Init = 0x11 // ICW4 needed, edge triggered, cascade
	icw4_8086 = 0x01

	// picVectorBase is the vector at which remapped IRQ0 lands,
	// clear of the CPU's reserved exception vectors (0-31).
	picVectorBase = 0x20
)

// remapPIC reprograms both 8259 PICs so hardware IRQs land at vectors 32
// and above instead of colliding with CPU exception vectors, as every
// firmware leaves them mapped to on reset.
func remapPIC() {
	masterMask := reg.In8(picMasterData)
	slaveMask := reg.In8(picSlaveData)

	reg.Out8(picMasterCmd, icw1Init)
	reg.Out8(picSlaveCmd, icw1Init)

	reg.Out8(picMasterData, picVectorBase)
	reg.Out8(picSlaveData, picVectorBase+8)

	reg.Out8(picMasterData, 4) // slave attached to IRQ2
	reg.Out8(picSlaveData, 2)  // slave's cascade identity

	reg.Out8(picMasterData, icw4_8086)
	reg.Out8(picSlaveData, icw4_8086)

	reg.Out8(picMasterData, masterMask)
	reg.Out8(picSlaveData, slaveMask)
}

// maskAllIRQs masks every legacy PIC line. The main loop (package
// orchestrator) polls device state directly rather than servicing
// interrupts, so the PIC is remapped (to keep its vectors out of the way
// of CPU exceptions) but never unmasked.
func maskAllIRQs() {
	reg.Out8(picMasterData, 0xff)
	reg.Out8(picSlaveData, 0xff)
}
