// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

import "testing"

// Note: PITCalibrate itself pokes real I/O ports via package reg, so it
// cannot be exercised end-to-end on a host test runner. These tests cover
// only the pure arithmetic helpers that would otherwise hide a
// calibration bug; the full loop is exercised on target.

func TestCalibrationWindowConstants(t *testing.T) {
	if pitCalibrationTicks == 0 {
		t.Fatal("pitCalibrationTicks must be non-zero")
	}

	windowSeconds := float64(pitCalibrationTicks) / float64(pitFreqHz)

	if windowSeconds <= 0 || windowSeconds > 1 {
		t.Fatalf("calibration window %fs out of expected sub-second range", windowSeconds)
	}
}

func TestFrequencyArithmetic(t *testing.T) {
	// A synthetic 10ms window in which a 2 GHz counter advances by
	// 20,000,000 ticks should recover ~2 GHz.
	const wantHz = 2_000_000_000

	windowSeconds := float64(pitCalibrationTicks) / float64(pitFreqHz)
	elapsedTicks := uint64(wantHz * windowSeconds)

	gotHz := uint64(float64(elapsedTicks) / windowSeconds)

	// Allow for the integer truncation of elapsedTicks above.
	diff := int64(gotHz) - int64(wantHz)
	if diff < 0 {
		diff = -diff
	}

	if float64(diff)/float64(wantHz) > 0.001 {
		t.Fatalf("recovered frequency %d far from expected %d", gotHz, wantHz)
	}
}
