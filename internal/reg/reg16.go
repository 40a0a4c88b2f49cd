// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"unsafe"
)

// As sync/atomic does not provide 16-bit support, note that these functions
// do not necessarily enforce memory ordering; they are used only for
// capability/config fields that are not contended across goroutines.

// Get16 returns the pointed 16-bit value at a specific bit position and
// with a bitmask applied.
func Get16(addr uint, pos int, mask int) uint16 {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	return (*reg >> uint(pos)) & uint16(mask)
}

// Read16 reads a 16-bit MMIO register.
func Read16(addr uint) uint16 {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	return *reg
}

// Write16 writes a 16-bit MMIO register.
func Write16(addr uint, val uint16) {
	reg := (*uint16)(unsafe.Pointer(uintptr(addr)))
	*reg = val
}
