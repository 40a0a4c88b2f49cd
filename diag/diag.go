// Diagnostic ring buffer
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diag keeps the most recent diagnostic lines in a small, fixed
// heap buffer so the TUI layer can display recent activity without
// re-reading the serial transcript (the UART, see package console, has no
// read-back path for what it has transmitted).
package diag

import (
	"sync"

	"github.com/f-secure-foundry/morpheus/console"
)

// DefaultCapacity is the number of lines retained by a Recorder created
// with NewRecorder.
const DefaultCapacity = 64

// Recorder is a fixed-capacity ring buffer of diagnostic lines, optionally
// mirroring every recorded line to a serial Console.
type Recorder struct {
	mu sync.Mutex

	console *console.Console
	lines   []string
	next    int
	count   int
}

// NewRecorder creates a Recorder with DefaultCapacity lines of history. If
// c is non-nil, every recorded line is also written to it.
func NewRecorder(c *console.Console) *Recorder {
	return &Recorder{
		console: c,
		lines:   make([]string, DefaultCapacity),
	}
}

// Logf records a single "tag: message" line, evicting the oldest line if
// the buffer is full, and mirrors it to the console if one is attached.
func (r *Recorder) Logf(tag string, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := tag + ": " + msg

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)

	if r.count < len(r.lines) {
		r.count++
	}

	if r.console != nil {
		r.console.Linef(tag, msg)
	}
}

// Recent returns up to n of the most recently recorded lines, oldest
// first. n <= 0 returns all retained lines.
func (r *Recorder) Recent(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]string, n)
	start := (r.next - n + len(r.lines)) % len(r.lines)

	for i := 0; i < n; i++ {
		out[i] = r.lines[(start+i)%len(r.lines)]
	}

	return out
}
