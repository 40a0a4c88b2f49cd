// TSC calibration via the 8254 Programmable Interval Timer
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "github.com/f-secure-foundry/morpheus/internal/reg"

// PIT (8254) ports and constants. Channel 2 is gated through the 8042
// keyboard controller's speaker-gate bit, the same "PIT gate method" used
// by firmware and classic OS bring-up code to calibrate a core's cycle
// counter without relying on any hypervisor-specific paravirt clock.
const (
	pitChannel2 = 0x42
	pitCommand  = 0x43
	pitGate     = 0x61

	pitFreqHz = 1193182

	// pitCalibrationTicks is a ~10ms calibration window:
	// 1193182 Hz / 100 = 11931 ticks, loaded as channel 2's initial
	// count and counted down to terminal count.
	pitCalibrationTicks = pitFreqHz / 100
)

// PITCalibrate measures the TSC frequency by gating PIT channel 2 for a
// fixed window and counting TSC ticks elapsed across it. counter reads
// the TSC (or, in tests, a fake monotonic counter); it is taken as a
// parameter so the calibration algorithm is host-testable without real
// hardware.
//
// It returns ErrCalibrationFailed if the PIT never reaches the expected
// count within a generous retry bound, which this runtime treats as
// fatal: there is no synthetic frequency fallback (see the resolved
// handling of TSC calibration failure).
func PITCalibrate(counter func() uint64) (uint64, error) {
	gate := reg.In8(pitGate)
	gate &^= 1 << 1 // disable speaker output
	gate |= 1 << 0  // enable timer 2 gate
	reg.Out8(pitGate, gate)

	// Mode 0 (interrupt on terminal count), binary, channel 2, LSB/MSB.
	reg.Out8(pitCommand, 0b10110000)
	reg.Out8(pitChannel2, byte(pitCalibrationTicks&0xff))
	reg.Out8(pitChannel2, byte(pitCalibrationTicks>>8))

	start := counter()

	const maxPolls = 10_000_000
	polls := 0

	for {
		g := reg.In8(pitGate)

		if g&(1<<5) != 0 {
			break
		}

		polls++
		if polls >= maxPolls {
			return 0, ErrCalibrationFailed
		}
	}

	end := counter()

	if end <= start {
		return 0, ErrCalibrationFailed
	}

	elapsedTicks := end - start
	windowSeconds := float64(pitCalibrationTicks) / float64(pitFreqHz)

	hz := uint64(float64(elapsedTicks) / windowSeconds)
	if hz == 0 {
		return 0, ErrCalibrationFailed
	}

	return hz, nil
}
