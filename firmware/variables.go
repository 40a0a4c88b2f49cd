// UEFI variable access
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	efi "github.com/canonical/go-efilib"
)

// VendorGUID namespaces every variable this module reads or writes. It is
// a module-private GUID rather than the EFI Global Variable namespace
// (efi.GlobalVariable), since none of config.Boot's fields are part of the
// standard UEFI global variable set.
var VendorGUID = efi.GUID{
	0xf6, 0x64, 0x3b, 0x27, 0x8b, 0x0e, 0x4c, 0x4f,
	0xa2, 0xa6, 0x1e, 0x9c, 0x0d, 0x77, 0x3d, 0x91,
}

// ReadVariable reads the named variable under VendorGUID. It returns
// (nil, nil) rather than an error when the variable is simply unset —
// config.Boot treats "unset" and "never configured" identically.
func (st *SystemTable) ReadVariable(name string) ([]byte, error) {
	if st.svc == nil {
		return nil, ErrNotCaptured
	}

	data, _, err := st.svc.getVariable(name, VendorGUID)
	if err != nil {
		if err == efi.ErrVarNotExist {
			return nil, nil
		}

		return nil, err
	}

	return data, nil
}

// WriteVariable persists data under name in VendorGUID, non-volatile and
// runtime-accessible so a later boot (firmware or this runtime, via
// ReadVariable again) observes it.
func (st *SystemTable) WriteVariable(name string, data []byte) error {
	if st.svc == nil {
		return ErrNotCaptured
	}

	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess

	return st.svc.setVariable(name, VendorGUID, attrs, data)
}
