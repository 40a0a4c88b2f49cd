// ISO storage manager
// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package isostore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/f-secure-foundry/morpheus/blockio"
)

const maxEntries = 16

var (
	ErrTooManyEntries = errors.New("isostore: already tracking the maximum of 16 ISOs")
	ErrNoSuchEntry    = errors.New("isostore: no ISO tracked at this index")
)

// Entry is one tracked chunked ISO: its manifest and the writer
// streaming bytes onto its chunk partitions.
type Entry struct {
	Manifest Manifest
	writer   *ChunkWriter
}

// Manager owns up to 16 Entry records, keyed by sequential index, per
// spec.md §4.11.
type Manager struct {
	entries    [maxEntries]*Entry
	sectorSize uint32
	esp        filesystem.FileSystem
	espMount   string

	rawManifestLBA uint64
	adapter        *blockio.Adapter
}

// New creates a Manager bound to adapter (for raw-sector fallback
// manifest writes and chunk partition I/O) and sectorSize. Call
// MountESP once the EFI system partition's filesystem is available to
// enable the preferred FAT32 manifest path.
func New(adapter *blockio.Adapter, sectorSize uint32, rawManifestLBA uint64) *Manager {
	return &Manager{sectorSize: sectorSize, adapter: adapter, rawManifestLBA: rawManifestLBA}
}

// MountESP installs the EFI system partition's FAT32 filesystem as the
// preferred manifest persistence target.
func (m *Manager) MountESP(fs filesystem.FileSystem) {
	m.esp = fs
}

// Begin starts tracking a new ISO of the given name and total size,
// carving its chunk partitions immediately (spec.md §4.11 steps 1-5).
// It returns the new entry's index.
func (m *Manager) Begin(name string, totalSize uint64, totalSectors uint64) (int, error) {
	index := m.freeSlot()
	if index < 0 {
		return 0, ErrTooManyEntries
	}

	chunks, err := CreatePartitions(m.adapter, m.sectorSize, totalSectors, totalSize)
	if err != nil {
		return 0, err
	}

	writer, err := NewChunkWriter(m.adapter, m.sectorSize, chunks)
	if err != nil {
		return 0, err
	}

	m.entries[index] = &Entry{
		Manifest: Manifest{Name: name, TotalSize: totalSize},
		writer:   writer,
	}

	return index, nil
}

func (m *Manager) freeSlot() int {
	for i, e := range m.entries {
		if e == nil {
			return i
		}
	}

	return -1
}

// Write streams p onto index's chunk partitions.
func (m *Manager) Write(index int, p []byte) (int, error) {
	e := m.entries[index]
	if e == nil {
		return 0, ErrNoSuchEntry
	}

	return e.writer.Write(p)
}

// Finalize closes out index's chunk writer, marks the manifest
// complete, and persists it (FAT32-preferred, raw-sector fallback).
func (m *Manager) Finalize(index int) error {
	e := m.entries[index]
	if e == nil {
		return ErrNoSuchEntry
	}

	chunks, err := e.writer.Finalize()
	if err != nil {
		return err
	}

	e.Manifest.Chunks = chunks
	e.Manifest.Complete = true

	return m.persist(index)
}

// manifestPath is the ESP-relative path for index's manifest file,
// matching spec.md §6's persistent on-disk layout.
func (m *Manager) manifestPath(index int) string {
	name := m.entries[index].Manifest.Name
	escaped := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}

		return r
	}, name)

	return fmt.Sprintf("/morpheus/isos/%s.manifest", escaped)
}

// persist always attempts the FAT32 ESP write first and only falls
// back to a fixed-LBA raw-sector write when no ESP is mounted or the ESP
// write fails — never merely because raw-sector persistence was also
// configured, since this runtime exposes exactly one ESP and no
// separate raw-manifest configuration switch.
func (m *Manager) persist(index int) error {
	data, err := m.entries[index].Manifest.Marshal()
	if err != nil {
		return err
	}

	if m.esp != nil {
		if err := m.writeESPManifest(index, data); err == nil {
			return nil
		}
	}

	return m.writeRawManifest(data)
}

func (m *Manager) writeESPManifest(index int, data []byte) error {
	if err := m.esp.Mkdir("/morpheus/isos"); err != nil {
		return err
	}

	f, err := m.esp.OpenFile(m.manifestPath(index), os.O_CREATE|os.O_TRUNC|os.O_RDWR)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)

	return err
}

// writeRawManifest writes the manifest to a fixed LBA reserved for it,
// the legacy fallback path of spec.md §4.11.
func (m *Manager) writeRawManifest(data []byte) error {
	padded := make([]byte, ((len(data)+int(m.sectorSize)-1)/int(m.sectorSize))*int(m.sectorSize))
	copy(padded, data)

	return m.adapter.WriteBlocks(m.rawManifestLBA, padded)
}

// RemoveEntry deletes index's manifest file on the ESP (best effort)
// and clears the in-memory record.
func (m *Manager) RemoveEntry(index int) error {
	if m.entries[index] == nil {
		return ErrNoSuchEntry
	}

	if m.esp != nil {
		_ = m.esp.Remove(m.manifestPath(index))
	}

	m.entries[index] = nil

	return nil
}

// GetReadContext returns a read-only view of index's chunk set,
// suitable for mounting with an ISO9660 filesystem reader.
func (m *Manager) GetReadContext(index int) (*ReadContext, error) {
	e := m.entries[index]
	if e == nil {
		return nil, ErrNoSuchEntry
	}

	return NewReadContext(m.adapter, m.sectorSize, e.Manifest.Chunks), nil
}

// Entry returns index's current manifest, or false if no ISO is
// tracked there.
func (m *Manager) Entry(index int) (Manifest, bool) {
	e := m.entries[index]
	if e == nil {
		return Manifest{}, false
	}

	return e.Manifest, true
}
