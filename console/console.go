// Serial console diagnostics
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package console implements synchronous serial diagnostics over a 16550
// UART, adopting the following reference specification:
//   - PC16550D - Universal Asynchronous Receiver/Transmitter with FIFOs - June 1995
//
// Output is unbuffered and synchronous: each byte is polled against the
// transmitter-empty status bit before being written. There is no flow
// control and no read path beyond what diagnostics require; failure to
// transmit is silent, as required by callers in the panic path.
package console

import (
	"github.com/f-secure-foundry/morpheus/internal/reg"
)

// UART registers (offsets from the COM1 I/O port base).
const (
	DefaultBaudRate = 115200

	rbr = 0x00
	thr = 0x00
	ier = 0x01
	fcr = 0x02
	lcr = 0x03
	mcr = 0x04

	lsr     = 0x05
	lsrDR   = 0
	lsrTHRE = 5
)

const hexDigits = "0123456789abcdef"

// Console represents a single serial port instance used for diagnostics.
//
// A Console must be callable from any context, including the panic handler:
// it performs no allocation and takes no lock beyond the register poll
// itself being inherently single-threaded in this runtime.
type Console struct {
	// Port is the I/O port base address (COM1 = 0x3f8).
	Port uint16
}

// Init checks that the Console has a port assigned, panicking otherwise;
// it does not program the UART. Baud rate, parity and stop bits are left
// at whatever the firmware configured them to (§6: "8-N-1 at
// firmware-configured baud"); correctness of diagnostics output never
// depends on this package re-programming them.
func (c *Console) Init() {
	if c.Port == 0 {
		panic("invalid console instance")
	}
}

// txReady reports whether the transmit holding register is free.
func (c *Console) txReady() bool {
	return reg.In8(c.Port+lsr)&(1<<lsrTHRE) != 0
}

// WriteByte transmits a single byte, polling the transmitter-empty status
// until the UART is ready to accept it.
func (c *Console) WriteByte(b byte) {
	if c.Port == 0 {
		return
	}

	for !c.txReady() {
	}

	reg.Out8(c.Port+thr, b)
}

// WriteString transmits a string verbatim, with no added framing.
func (c *Console) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		c.WriteByte(s[i])
	}
}

// WriteHex transmits an unsigned value in fixed-width lowercase hexadecimal,
// most significant nibble first, prefixed with "0x".
func (c *Console) WriteHex(v uint64) {
	c.WriteString("0x")

	for shift := 60; shift >= 0; shift -= 4 {
		c.WriteByte(hexDigits[(v>>uint(shift))&0xf])
	}
}

// WriteDecimal transmits a signed value in base-10, with no leading zeros.
func (c *Console) WriteDecimal(v int64) {
	if v < 0 {
		c.WriteByte('-')
		v = -v
	}

	if v == 0 {
		c.WriteByte('0')
		return
	}

	var digits [20]byte
	n := 0

	for v > 0 {
		digits[n] = hexDigits[v%10]
		v /= 10
		n++
	}

	for i := n - 1; i >= 0; i-- {
		c.WriteByte(digits[i])
	}
}

// WriteIPv4 transmits a 4-byte big-endian IPv4 address in dotted-decimal
// notation.
func (c *Console) WriteIPv4(addr [4]byte) {
	for i, b := range addr {
		if i > 0 {
			c.WriteByte('.')
		}

		c.WriteDecimal(int64(b))
	}
}

// Linef writes a single diagnostic line ("tag: message\r\n") to the serial
// port, matching the fixed-format style of the rest of this package.
func (c *Console) Linef(tag string, msg string) {
	c.WriteString(tag)
	c.WriteString(": ")
	c.WriteString(msg)
	c.WriteString("\r\n")
}
