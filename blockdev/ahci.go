// AHCI (SATA) block driver
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// This driver has no direct analogue in the teacher framework (its SoC
// packages target VirtIO/USB, not SATA controllers); its register and FIS
// layout follow the AHCI 1.3.1 specification directly, using the same
// MMIO register-accessor idiom (package reg) the rest of this runtime's
// drivers use.
package blockdev

import (
	"encoding/binary"
	"errors"

	"github.com/f-secure-foundry/morpheus/dma"
	"github.com/f-secure-foundry/morpheus/internal/reg"
	"github.com/f-secure-foundry/morpheus/pci"
)

// HBA (host bus adapter) global register offsets (AHCI 1.3.1 §3.1).
const (
	hbaCap    = 0x00
	hbaGHC    = 0x04
	hbaPI     = 0x0c
	hbaPortBase = 0x100
	hbaPortSize = 0x80
)

// Per-port register offsets, relative to hbaPortBase+n*hbaPortSize
// (AHCI 1.3.1 §3.3).
const (
	portCLB  = 0x00
	portCLBU = 0x04
	portFB   = 0x08
	portFBU  = 0x0c
	portIS   = 0x10
	portIE   = 0x14
	portCMD  = 0x18
	portTFD  = 0x20
	portSIG  = 0x24
	portSSTS = 0x28
	portSERR = 0x30
	portCI   = 0x38
)

// Port command/status bits.
const (
	cmdST  = 0
	cmdFRE = 4
	cmdFR  = 14
	cmdCR  = 15
)

const (
	sigATA = 0x00000101

	ghcAE = 1 << 31

	tfdERR = 1 << 0
	tfdBSY = 1 << 7
)

// FIS types (Serial ATA AHCI 1.3.1 §10.3).
const (
	fisTypeRegH2D = 0x27
)

// ATA commands.
const (
	ataReadDMAExt    = 0x25
	ataWriteDMAExt   = 0x35
	ataFlushCacheExt = 0xea
	ataIdentify      = 0xec
)

const ahciSlots = 32

type ahciRequest struct {
	id          uint64
	sectorCount uint32
	slot        int
}

// AHCI drives a single SATA device attached to the first active AHCI
// port with an ATA signature.
type AHCI struct {
	base uint // ABAR MMIO base

	port uint // offset of the active port's register block

	clb uint // command list base (32 headers x 32 bytes)
	fb  uint // FIS receive area base

	cmdTables [ahciSlots]uint // per-slot command table physical address

	info Info

	inflight []ahciRequest
	nextSlot int
}

// NewAHCI probes d for an active ATA port and brings it under polled
// software control.
func NewAHCI(d *pci.Device) (*AHCI, error) {
	d.EnableBusMaster()

	a := &AHCI{base: d.BaseAddress(5)} // ABAR is always BAR5

	ghc := reg.Read(a.base + hbaGHC)
	ghc |= ghcAE
	reg.Write(a.base+hbaGHC, ghc)

	pi := reg.Read(a.base + hbaPI)

	found := false
	for n := 0; n < 32; n++ {
		if pi&(1<<uint(n)) == 0 {
			continue
		}

		portOff := hbaPortBase + uint(n)*hbaPortSize

		ssts := reg.Read(a.base + portOff + portSSTS)
		detStatus := ssts & 0xf

		sig := reg.Read(a.base + portOff + portSIG)

		if detStatus == 3 && sig == sigATA {
			a.port = portOff
			found = true
			break
		}
	}

	if !found {
		return nil, errors.New("blockdev: no active ATA port found")
	}

	if err := a.initPort(); err != nil {
		return nil, err
	}

	if err := a.identify(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *AHCI) portReg(off uint) uint {
	return a.base + a.port + off
}

// initPort stops the port, installs the command list and FIS receive
// area, clears SERR, and restarts it, all with interrupts left disabled
// (this runtime polls CI/TFD, it never services an AHCI interrupt).
func (a *AHCI) initPort() error {
	a.stopPort()

	clbAddr, _ := dma.Reserve(ahciSlots*32, 1024)
	fbAddr, _ := dma.Reserve(256, 256)

	a.clb = clbAddr
	a.fb = fbAddr

	reg.Write(a.portReg(portCLB), uint32(clbAddr))
	reg.Write(a.portReg(portCLBU), uint32(uint64(clbAddr)>>32))
	reg.Write(a.portReg(portFB), uint32(fbAddr))
	reg.Write(a.portReg(portFBU), uint32(uint64(fbAddr)>>32))

	reg.Write(a.portReg(portSERR), 0xffffffff)

	for slot := 0; slot < ahciSlots; slot++ {
		tableAddr, _ := dma.Reserve(256, 128)
		a.cmdTables[slot] = tableAddr

		header := make([]byte, 32)
		binary.LittleEndian.PutUint64(header[8:], uint64(tableAddr))
		dma.Write(clbAddr, slot*32, header)
	}

	a.startPort()

	return nil
}

func (a *AHCI) stopPort() {
	reg.Clear(a.portReg(portCMD), cmdST)
	reg.WaitFor(500_000_000, a.portReg(portCMD), cmdCR, 1, 0)
	reg.Clear(a.portReg(portCMD), cmdFRE)
}

func (a *AHCI) startPort() {
	reg.Set(a.portReg(portCMD), cmdFRE)
	reg.Set(a.portReg(portCMD), cmdST)
}

// buildFIS writes a Register Host-to-Device FIS for an LBA48 command
// into the command table's FIS area.
func buildFIS(cmdTable []byte, ataCmd uint8, lba uint64, sectorCount uint32) {
	fis := make([]byte, 20)
	fis[0] = fisTypeRegH2D
	fis[1] = 1 << 7 // C bit: this is a command
	fis[2] = ataCmd

	fis[4] = byte(lba)
	fis[5] = byte(lba >> 8)
	fis[6] = byte(lba >> 16)
	fis[7] = 1 << 6 // LBA mode
	fis[8] = byte(lba >> 24)
	fis[9] = byte(lba >> 32)
	fis[10] = byte(lba >> 40)

	fis[12] = byte(sectorCount)
	fis[13] = byte(sectorCount >> 8)

	copy(cmdTable, fis)
}

func (a *AHCI) identify() error {
	slot := 0

	dataAddr, _ := dma.Reserve(512, 2)

	table := make([]byte, 256)
	buildFIS(table, ataIdentify, 0, 1)

	// PRDT entry at command-table offset 0x80 (AHCI 1.3.1 §4.2.3).
	binary.LittleEndian.PutUint64(table[0x80:], uint64(dataAddr))
	binary.LittleEndian.PutUint32(table[0x8c:], 511) // byte count - 1, interrupt bit clear

	dma.Write(a.cmdTables[slot], 0, table)

	header := make([]byte, 32)
	header[0] = 5 // command FIS length in dwords
	binary.LittleEndian.PutUint16(header[2:], 1) // PRDT entry count
	binary.LittleEndian.PutUint64(header[8:], uint64(a.cmdTables[slot]))
	dma.Write(a.clb, slot*32, header)

	ci := uint32(1 << uint(slot))
	reg.Write(a.portReg(portCI), ci)

	if !reg.WaitFor(1_000_000_000, a.portReg(portCI), slot, 1, 0) {
		return errors.New("blockdev: AHCI IDENTIFY timed out")
	}

	data := make([]byte, 512)
	dma.Read(dataAddr, 0, data)
	dma.Release(dataAddr)

	lbaSectors := uint64(binary.LittleEndian.Uint32(data[200:])) // word 100-103, LBA48 sector count (low words)

	a.info = Info{
		TotalSectors:        lbaSectors,
		SectorSize:          512,
		MaxSectorsPerRequest: 8192, // PRDT single-entry cap (4 MiB / 512)
		ReadOnly:            false,
	}

	return nil
}

func (a *AHCI) Info() Info { return a.info }

func (a *AHCI) CanSubmit() bool {
	return len(a.inflight) < ahciSlots
}

func (a *AHCI) submit(req Request, ataCmd uint8) error {
	if !a.CanSubmit() {
		return ErrQueueFull
	}

	if err := validateRequest(req, a.info, ataCmd == ataWriteDMAExt); err != nil {
		return err
	}

	slot := a.nextSlot
	a.nextSlot = (a.nextSlot + 1) % ahciSlots

	table := make([]byte, 256)
	buildFIS(table, ataCmd, req.Sector, req.SectorCount)

	byteCount := uint32(req.SectorCount) * a.info.SectorSize
	write := ataCmd == ataWriteDMAExt

	if byteCount > 0 {
		binary.LittleEndian.PutUint64(table[0x80:], uint64(req.BufferPhys))
		binary.LittleEndian.PutUint32(table[0x8c:], byteCount-1)
	}

	dma.Write(a.cmdTables[slot], 0, table)

	header := make([]byte, 32)
	header[0] = 5
	if write {
		header[0] |= 1 << 6
	}

	if byteCount > 0 {
		binary.LittleEndian.PutUint16(header[2:], 1)
	}

	binary.LittleEndian.PutUint64(header[8:], uint64(a.cmdTables[slot]))
	dma.Write(a.clb, slot*32, header)

	a.inflight = append(a.inflight, ahciRequest{id: req.ID, sectorCount: req.SectorCount, slot: slot})

	return nil
}

func (a *AHCI) SubmitRead(req Request) error  { return a.submit(req, ataReadDMAExt) }
func (a *AHCI) SubmitWrite(req Request) error { return a.submit(req, ataWriteDMAExt) }

func (a *AHCI) Notify() {
	if len(a.inflight) == 0 {
		return
	}

	var ci uint32
	for _, r := range a.inflight {
		ci |= 1 << uint(r.slot)
	}

	reg.Write(a.portReg(portCI), reg.Read(a.portReg(portCI))|ci)
}

func (a *AHCI) PollCompletion() (Completion, bool) {
	if len(a.inflight) == 0 {
		return Completion{}, false
	}

	r := a.inflight[0]

	ci := reg.Read(a.portReg(portCI))
	if ci&(1<<uint(r.slot)) != 0 {
		// still in flight
		return Completion{}, false
	}

	a.inflight = a.inflight[1:]

	status := 0
	tfd := reg.Read(a.portReg(portTFD))
	if tfd&tfdERR != 0 {
		status = int(tfdERR)
	}

	return Completion{
		ID:               r.id,
		Status:           status,
		BytesTransferred: r.sectorCount * a.info.SectorSize,
	}, true
}

func (a *AHCI) Flush() error {
	return a.submit(Request{}, ataFlushCacheExt)
}

var _ Driver = (*AHCI)(nil)
