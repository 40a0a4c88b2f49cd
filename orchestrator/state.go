// Download state machine
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package orchestrator drives one ISO download end to end: the
// top-level state machine of spec.md §4.12 and the five-phase polled
// main loop that steps it. No teacher analogue exists for either (the
// teacher framework has no notion of a download pipeline); both are
// built directly from spec.md §4.12 and §5's concurrency model.
package orchestrator

import "fmt"

// State is a top-level download state, spec.md §4.12.
type State int

const (
	StateInit State = iota
	StateWaitingForDHCP
	StateConnecting
	StateStreaming
	StateFlushing
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitingForDHCP:
		return "waiting-for-dhcp"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFlushing:
		return "flushing"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason records why a Machine reached StateFailed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDHCPTimeout
	ReasonHTTP
	ReasonDisk
	ReasonChecksum
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDHCPTimeout:
		return "dhcp-timeout"
	case ReasonHTTP:
		return "http"
	case ReasonDisk:
		return "disk"
	case ReasonChecksum:
		return "checksum"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event drives a Machine transition, spec.md §4.12's compact table.
type Event int

const (
	EventStart Event = iota
	EventDHCPConfigured
	EventDHCPTimeout
	EventTCPEstablished
	EventConnectTimeout
	EventHTTPComplete
	EventHTTPError
	EventWriteError
	EventWritesAcked
	EventChecksumMatch
	EventChecksumMismatch
	EventCancel
)

// transition is one legal (event, destination) pair out of a state.
type transition struct {
	event  Event
	to     State
	reason Reason
}

// legalTransitions is spec.md §4.12's compact transition table as a
// literal map, checked by Machine.Transition so an illegal transition is
// a programming-error panic caught by tests rather than silent state
// corruption — testable property §8.9. `any -> failed via cancel()` is
// handled separately in Transition rather than repeated in every row.
var legalTransitions = map[State][]transition{
	StateInit: {
		{EventStart, StateWaitingForDHCP, ReasonNone},
	},
	StateWaitingForDHCP: {
		{EventDHCPConfigured, StateConnecting, ReasonNone},
		{EventDHCPTimeout, StateFailed, ReasonDHCPTimeout},
	},
	StateConnecting: {
		{EventTCPEstablished, StateStreaming, ReasonNone},
		{EventConnectTimeout, StateFailed, ReasonHTTP},
	},
	StateStreaming: {
		{EventHTTPComplete, StateFlushing, ReasonNone},
		{EventHTTPError, StateFailed, ReasonHTTP},
		{EventWriteError, StateFailed, ReasonDisk},
	},
	StateFlushing: {
		// "verifying or done": flushing always advances to verifying;
		// an App with no checksum configured drives verifying straight
		// through to done on its very next step (see app.go), rather
		// than the Machine itself branching on whether a checksum
		// exists.
		{EventWritesAcked, StateVerifying, ReasonNone},
		// A write that fails to land during the final flush is the
		// same disk-reason failure as one that fails mid-stream.
		{EventWriteError, StateFailed, ReasonDisk},
	},
	StateVerifying: {
		{EventChecksumMatch, StateDone, ReasonNone},
		{EventChecksumMismatch, StateFailed, ReasonChecksum},
	},
}

// Machine is the top-level download state machine.
type Machine struct {
	state  State
	reason Reason
}

// NewMachine returns a Machine in StateInit.
func NewMachine() *Machine {
	return &Machine{state: StateInit}
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Reason() Reason { return m.reason }

// Transition applies event to the machine's current state. It panics if
// event is not legal from the current state — see the package doc on
// legalTransitions.
func (m *Machine) Transition(event Event) State {
	if event == EventCancel {
		if m.state == StateDone || m.state == StateFailed {
			panic(fmt.Sprintf("orchestrator: illegal transition: cancel() from terminal state %s", m.state))
		}

		m.state = StateFailed
		m.reason = ReasonCancelled

		return m.state
	}

	for _, t := range legalTransitions[m.state] {
		if t.event == event {
			m.state = t.to
			m.reason = t.reason

			return m.state
		}
	}

	panic(fmt.Sprintf("orchestrator: illegal transition: event %d from state %s", event, m.state))
}

// Terminal reports whether the machine has reached done or failed.
func (m *Machine) Terminal() bool {
	return m.state == StateDone || m.state == StateFailed
}
