// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

// ReadMSR and WriteMSR access a model-specific register through the RDMSR
// and WRMSR instructions.
//
// implemented in assembly (msr_amd64.s), which this tree does not include
func ReadMSR(addr uint32) (val uint64)
func WriteMSR(addr uint32, val uint64)
