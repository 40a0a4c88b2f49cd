// Boot services exit and platform reset
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

// ExitBootServices signals the firmware to hand over the platform. After
// it returns successfully, MemoryMap and ReadVariable/WriteVariable are no
// longer usable; ResetSystem remains a runtime service and stays valid.
// cmd/morpheus calls this exactly once, immediately before platform.Init.
func (st *SystemTable) ExitBootServices() error {
	if st.svc == nil {
		return ErrNotCaptured
	}

	if st.exited {
		return ErrAlreadyExited
	}

	if err := st.svc.exitBootServices(); err != nil {
		return err
	}

	st.exited = true

	return nil
}

// ResetSystem requests the platform reset named by t, carrying an optional
// vendor-specific status payload. It never returns on success; callers
// only observe the call returning at all as a reset failure.
func (st *SystemTable) ResetSystem(t ResetType, data []byte) error {
	if st.svc == nil {
		return ErrNotCaptured
	}

	st.svc.resetSystem(t, data)

	return nil
}
