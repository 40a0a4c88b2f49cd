// UEFI variable overrides
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"strconv"

	"github.com/f-secure-foundry/morpheus/firmware"
)

// variableNames are the UEFI variables this package reads, all namespaced
// under firmware.VendorGUID.
const (
	varRetries   = "MorpheusRetries"
	varDNSServer = "MorpheusDNSServer"
)

// applyVariables overrides b's fields from whichever of the variables
// above is present. A variable that is unset or fails to parse is left
// alone rather than rejected — boot-time configuration has no operator
// present to report a parse error to.
func applyVariables(b *Boot, st *firmware.SystemTable) error {
	if st == nil {
		return nil
	}

	if data, err := st.ReadVariable(varRetries); err != nil {
		return err
	} else if n, perr := strconv.Atoi(string(data)); perr == nil && data != nil {
		b.Retries = n
	}

	if data, err := st.ReadVariable(varDNSServer); err != nil {
		return err
	} else if data != nil {
		b.DNSServer = string(data)
	}

	return nil
}
