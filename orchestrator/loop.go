// Five-phase polled main loop
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package orchestrator

import (
	"fmt"

	"github.com/f-secure-foundry/morpheus/diag"
)

// RXDevice is the subset of netdev.Driver the loop drives directly
// (it never touches packet contents itself; Poller owns those).
type RXDevice interface {
	RefillRXQueue()
	CollectTXCompletions()
}

// Poller advances the network stack by exactly one iteration. Outgoing
// frames are never queued: PolledEndpoint.WritePacket hands each one to
// the device's TX ring as soon as the stack produces it, in whichever
// phase that happens, so phase 4 (TX drain) in Step below is a comment,
// not code.
type Poller interface {
	Poll() error
}

// Stepper is the app-level state machine the loop advances once per
// iteration. *App satisfies this.
type Stepper interface {
	Step(now uint64) State
	Cancel()
}

// Loop runs the fixed five-phase iteration spec.md §4.12 requires:
// RX refill, stack poll, app step, TX drain, TX completions. There is
// exactly one thread of execution and no interrupts once this is
// running; every suspension point is a return from Step, never a
// blocking call.
type Loop struct {
	device RXDevice
	stack  Poller
	app    Stepper

	counter func() uint64
	freqHz  uint64
	budget  uint64

	log *diag.Recorder
}

// NewLoop assembles a Loop. counter/freqHz calibrate the per-iteration
// budget warning; log may be nil to disable it.
func NewLoop(device RXDevice, stack Poller, app Stepper, counter func() uint64, freqHz uint64, log *diag.Recorder) *Loop {
	return &Loop{
		device:  device,
		stack:   stack,
		app:     app,
		counter: counter,
		freqHz:  freqHz,
		budget:  ticksFor(iterationBudget, freqHz),
		log:     log,
	}
}

// Cancel forwards a cooperative cancellation request to the app; it
// takes effect on the next Step call, not immediately.
func (l *Loop) Cancel() { l.app.Cancel() }

// Step runs exactly one iteration of the five phases and returns the
// app's resulting state.
func (l *Loop) Step() State {
	start := l.counter()

	// Phase 1: RX refill.
	l.device.RefillRXQueue()

	// Phase 2: stack poll. Exactly one call per iteration.
	if err := l.stack.Poll(); err != nil {
		l.logf("stack poll error: %v", err)
	}

	// Phase 3: app step.
	state := l.app.Step(l.counter())

	// Phase 4: TX drain. No-op: PolledEndpoint.WritePacket already
	// handed every outgoing frame to the device as it was produced.

	// Phase 5: TX completions.
	l.device.CollectTXCompletions()

	if l.budget > 0 {
		if elapsed := l.counter() - start; elapsed > l.budget {
			l.logf("iteration exceeded %s budget (%d ticks elapsed)", iterationBudget, elapsed)
		}
	}

	return state
}

// Run steps the loop until the app reaches a terminal state.
func (l *Loop) Run() State {
	for {
		if state := l.Step(); state == StateDone || state == StateFailed {
			return state
		}
	}
}

func (l *Loop) logf(format string, args ...interface{}) {
	if l.log == nil {
		return
	}

	l.log.Logf("orchestrator", fmt.Sprintf(format, args...))
}
