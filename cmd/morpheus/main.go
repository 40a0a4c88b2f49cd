// Entry point: firmware handoff through the first boot attempt
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command morpheus is the PE image the platform firmware loads: it
// captures the firmware handoff, exits boot services, brings up the
// platform, assembles the network stack and download orchestrator, runs
// the download for the first catalog entry if one is needed, and hands
// control to Linux via package bootlauncher. Presenting a catalog for
// interactive selection is out of this binary's scope (spec.md's TUI
// non-goal); it always acts on config.Boot.Entries[0].
package main

import (
	"errors"
	"io"
	"os"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/f-secure-foundry/morpheus/blockdev"
	"github.com/f-secure-foundry/morpheus/blockio"
	"github.com/f-secure-foundry/morpheus/bootlauncher"
	"github.com/f-secure-foundry/morpheus/config"
	"github.com/f-secure-foundry/morpheus/console"
	"github.com/f-secure-foundry/morpheus/diag"
	"github.com/f-secure-foundry/morpheus/firmware"
	"github.com/f-secure-foundry/morpheus/ipstack"
	"github.com/f-secure-foundry/morpheus/isostore"
	"github.com/f-secure-foundry/morpheus/orchestrator"
	"github.com/f-secure-foundry/morpheus/platform"
)

// comPort is the COM1 I/O base this runtime's console always uses;
// QEMU and cloud-hypervisor both wire the UART up at this address in
// their default x86_64 machine types.
const comPort = 0x3f8

// rawManifestLBA is the fixed sector reserved for isostore's manifest
// fallback (spec.md §4.11's "raw-sector fallback" path), placed just
// past the 34-sector primary GPT header/array zone so it never
// collides with a partition's first usable LBA.
const rawManifestLBA = 40

// blockTimeoutSeconds bounds every blockio.Adapter request, in units
// of the calibrated TSC frequency.
const blockTimeoutSeconds = 5

// confPath is the ESP-relative path of the optional key=value override
// file, per config.Load's doc comment.
const confPath = "/morpheus/morpheus.conf"

func main() {
	cons := &console.Console{Port: comPort}
	cons.Init()

	log := diag.NewRecorder(cons)
	log.Logf("main", "morpheus starting")

	st := firmware.Capture(captureEntryParameters())

	descs, err := st.MemoryMap()
	if err != nil {
		fatal(log, st, nil, "memory map", err)
	}

	if err := st.ExitBootServices(); err != nil {
		fatal(log, st, nil, "exit boot services", err)
	}

	plat, err := platform.Init(cons, descs)
	if err != nil {
		fatal(log, st, nil, "platform init", err)
	}

	adapter := blockio.New(plat.Block, blockTimeoutSeconds*plat.CPU.Freq(), plat.CPU.Counter)
	info := plat.Block.Info()

	espLBA, espSectors, err := isostore.FindPartition(adapter, info.SectorSize, info.TotalSectors, isostore.ESPTypeGUID)
	if err != nil {
		fatal(log, st, plat, "locate ESP", err)
	}

	espFS, err := bootlauncher.MountFAT32Partition(adapter, info.SectorSize, espLBA, espSectors)
	if err != nil {
		fatal(log, st, plat, "mount ESP", err)
	}

	// config.Load's UEFI-variable layer is idempotent, so folding the
	// pre-mount and post-mount passes into one call here (rather than
	// threading two Boot values together) loses nothing: the only new
	// input this second call adds is the optional conf file, now that
	// the ESP that might carry it is mounted.
	cfg, err := config.Load(st, openConfFile(espFS))
	if err != nil {
		fatal(log, st, plat, "load config", err)
	}

	if len(cfg.Entries) == 0 {
		fatal(log, st, plat, "load config", errors.New("main: no boot entries configured"))
	}

	entry := cfg.Entries[0]

	store := isostore.New(adapter, info.SectorSize, rawManifestLBA)
	store.MountESP(espFS)

	bootFS, err := resolveBootSource(plat, adapter, info, store, log, cfg, entry, espFS)
	if err != nil {
		fatal(log, st, plat, "resolve boot source", err)
	}

	launcher := &bootlauncher.Launcher{Store: store, Firmware: st, Arena: plat.Heap}

	if err := launcher.Boot(bootlauncher.FromConfigEntry(entry), bootFS); err != nil {
		fatal(log, st, plat, "boot", err)
	}

	// Boot only returns on failure; reaching here is itself a bug.
	fatal(log, st, plat, "boot", errors.New("main: Boot returned without handing over control"))
}

// resolveBootSource gets entry's kernel onto disk (downloading it
// first if needed) and returns the filesystem Launcher.Boot should
// read it from. A chunked_iso: entry returns a nil filesystem, since
// Launcher mounts its chunk set internally.
func resolveBootSource(plat *platform.Platform, adapter *blockio.Adapter, info blockdev.Info, store *isostore.Manager, log *diag.Recorder, cfg config.Boot, entry config.Entry, espFS filesystem.FileSystem) (filesystem.FileSystem, error) {
	switch {
	case entry.KernelPath != "":
		// Already landed: a plain kernel/initrd pair staged directly
		// on the ESP at image-build time.
		return espFS, nil

	case needsDownload(entry):
		if err := runDownload(plat, store, log, cfg, entry); err != nil {
			return nil, err
		}

		return nil, nil

	case entry.ISOPath != "":
		lba, sectors, err := isostore.FindPartition(adapter, info.SectorSize, info.TotalSectors, isostore.ISOPartitionTypeGUID)
		if err != nil {
			return nil, err
		}

		return bootlauncher.MountISOPartition(adapter, info.SectorSize, lba, sectors)

	default:
		// Bare chunked_iso: index referring to a prior run's download.
		return nil, nil
	}
}

// needsDownload reports whether entry names a download source rather
// than an already-landed boot target.
func needsDownload(entry config.Entry) bool {
	return entry.Host != "" && entry.ISOPath == "" && entry.KernelPath == ""
}

// runDownload assembles the network stack and download orchestrator
// and drives Entry's image onto disk.
func runDownload(plat *platform.Platform, store *isostore.Manager, log *diag.Recorder, cfg config.Boot, entry config.Entry) error {
	stack, err := ipstack.New(plat.Net)
	if err != nil {
		return err
	}

	dhcp := ipstack.NewDHCPClient(stack, plat.Net, plat.CPU.Freq(), plat.CPU.Counter)
	net := orchestrator.NewNetwork(stack)
	app := orchestrator.NewApp(net, dhcp, store, plat.CPU.Counter, plat.CPU.Freq())
	loop := orchestrator.NewLoop(plat.Net, stack, app, plat.CPU.Counter, plat.CPU.Freq(), log)

	dns, _ := ipstack.ParseLiteral(cfg.DNSServer)

	info := plat.Block.Info()
	sectorSize := uint64(info.SectorSize)

	plan := orchestrator.Plan{
		Name:            entry.Name,
		TotalSize:       entry.TotalSize,
		TotalSectors:    (entry.TotalSize + sectorSize - 1) / sectorSize,
		Host:            entry.Host,
		Port:            entry.Port,
		Path:            entry.Path,
		DNSServer:       dns,
		Retries:         cfg.Retries,
		RequireChecksum: entry.RequireChecksum,
		ExpectedSHA256:  entry.ExpectedSHA256,
	}

	if err := app.Start(plan); err != nil {
		return err
	}

	if state := loop.Run(); state != orchestrator.StateDone {
		if err := app.Err(); err != nil {
			return err
		}

		return errors.New("main: download ended in a failed state")
	}

	log.Logf("main", "download of "+entry.Name+" complete")

	return nil
}

// openConfFile best-effort opens confPath on the mounted ESP; a
// missing file is not an error — config.Load treats a nil reader as
// "no file layer" — so any failure here is silently treated the same
// way.
func openConfFile(espFS filesystem.FileSystem) io.Reader {
	f, err := espFS.OpenFile(confPath, os.O_RDONLY)
	if err != nil {
		return nil
	}

	return f
}

// captureEntryParameters returns the EFI image handle and system table
// pointer the PE loader hands this binary at entry. Reading the
// argument registers a freestanding PE entry point receives them in
// requires an assembly trampoline ahead of runtime.main that this
// portable-Go tree does not carry (the same gap documented for
// firmware.liveServices and bootlauncher.jumpToHandoverEntry); until
// one exists this always returns zero values, which Capture accepts
// but every live firmware.services call then fails against.
func captureEntryParameters() (imageHandle, systemTable uintptr) {
	return 0, 0
}

// fatal records err, attempts a cold platform reset, and halts if the
// reset call itself returns (ResetSystem never returns on success).
// plat may be nil if the failure happened before platform.Init.
func fatal(log *diag.Recorder, st *firmware.SystemTable, plat *platform.Platform, stage string, err error) {
	log.Logf("fatal", stage+": "+err.Error())

	_ = st.ResetSystem(firmware.ResetCold, nil)

	for {
		if plat != nil {
			plat.CPU.Halt()
		}
	}
}
