// Layered configuration assembly
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"io"

	"github.com/f-secure-foundry/morpheus/firmware"
)

// Load assembles Boot from, in override order: compiled-in Defaults, the
// UEFI variables reachable through st (st may be nil before Capture, in
// which case this layer is a no-op), and confFile (may be nil if no ESP
// has been mounted yet, or mounting/opening /morpheus/morpheus.conf
// failed — a missing config file is not an error).
func Load(st *firmware.SystemTable, confFile io.Reader) (Boot, error) {
	b := Defaults()

	if err := applyVariables(&b, st); err != nil {
		return Boot{}, err
	}

	if confFile != nil {
		if err := applyFile(&b, confFile); err != nil {
			return Boot{}, err
		}
	}

	return b, nil
}
