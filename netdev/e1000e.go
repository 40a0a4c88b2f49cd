// Intel e1000e stub
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package netdev

import "github.com/f-secure-foundry/morpheus/pci"

// NewE1000E exists so pci.KindNetworkEthernet is a recognized, named
// branch in the device-bring-up path rather than an unhandled classify
// result; a full ring/descriptor driver for the Intel 8257x family is out
// of scope for this runtime, which targets the VirtIO NICs QEMU and
// cloud-hypervisor present.
func NewE1000E(d *pci.Device) (Driver, error) {
	return nil, ErrUnsupportedDevice
}
