// Per-phase timeout budgets
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package orchestrator

import "time"

// Per-phase timeouts, spec.md §4.12.
const (
	DHCPTimeout      = 30 * time.Second
	ConnectTimeout   = 10 * time.Second
	HTTPIdleTimeout  = 30 * time.Second
	DNSTimeout       = 5 * time.Second
	DiskWriteTimeout = 100 * time.Millisecond

	// iterationBudget is the target main-loop iteration duration,
	// spec.md §4.12/§9; exceeding it is a diagnostic warning, not a
	// failure.
	iterationBudget = 5 * time.Millisecond
)

// ticksFor converts a wall-clock duration into a tick count at freqHz,
// the same counter-injection idiom blockio.Adapter and ipstack's DHCP
// client use for TSC-tick budgets rather than wall-clock time.Timer,
// since nothing in this runtime may block waiting on a timer.
func ticksFor(d time.Duration, freqHz uint64) uint64 {
	if freqHz == 0 || d <= 0 {
		return 0
	}

	return uint64(d.Seconds() * float64(freqHz))
}

// Budget tracks elapsed ticks against a fixed duration budget, started
// explicitly and polled every iteration — spec.md §5's "every
// long-running operation records a TSC timestamp at entry and is
// compared against a per-operation budget at every iteration."
type Budget struct {
	counter func() uint64
	ticks   uint64
	start   uint64
	running bool
}

// NewBudget builds a Budget for duration d, measured against counter
// (typically cpu.CPU.Counter) calibrated at freqHz (cpu.CPU.Freq).
func NewBudget(counter func() uint64, freqHz uint64, d time.Duration) *Budget {
	return &Budget{counter: counter, ticks: ticksFor(d, freqHz)}
}

// Start (re)starts the budget's clock at the current tick count.
func (b *Budget) Start() {
	b.start = b.counter()
	b.running = true
}

// Stop clears the budget so Expired reports false until Start is
// called again.
func (b *Budget) Stop() {
	b.running = false
}

// Expired reports whether the budget's duration has elapsed since
// Start. A budget that was never started, or has zero ticks (freqHz
// not yet calibrated), never expires.
func (b *Budget) Expired() bool {
	if !b.running || b.ticks == 0 {
		return false
	}

	return b.counter()-b.start >= b.ticks
}
