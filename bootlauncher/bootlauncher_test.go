// https://github.com/f-secure-foundry/morpheus
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bootlauncher

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/f-secure-foundry/morpheus/config"
	"github.com/f-secure-foundry/morpheus/firmware"
	"github.com/f-secure-foundry/morpheus/heap"
)

// fakeFile backs fakeFS's OpenFile with an in-memory byte slice,
// satisfying go-diskfs's filesystem.File surface.
type fakeFile struct {
	data []byte
	pos  int64
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)

	return n, nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	f.data = append(f.data, p...)
	f.pos += int64(len(p))

	return len(p), nil
}

func (f *fakeFile) Close() error { return nil }

func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(len(f.data))
	}

	f.pos = base + offset

	return f.pos, nil
}

// fakeFS is a minimal in-memory filesystem.FileSystem double, just
// enough to exercise probeKernel and readFile without a real mounted
// ISO9660 image.
type fakeFS struct {
	files map[string][]byte
}

func newFakeFS(files map[string][]byte) *fakeFS { return &fakeFS{files: files} }

func (f *fakeFS) Type() filesystem.Type { return filesystem.TypeISO9660 }

func (f *fakeFS) Mkdir(p string) error { return nil }

func (f *fakeFS) ReadDir(p string) ([]os.FileInfo, error) { return nil, nil }

func (f *fakeFS) Label() string { return "" }

func (f *fakeFS) SetLabel(string) error { return nil }

func (f *fakeFS) Remove(p string) error {
	delete(f.files, p)
	return nil
}

func (f *fakeFS) OpenFile(p string, flag int) (filesystem.File, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}

	return &fakeFile{data: data}, nil
}

func TestFromConfigEntryPlainKernel(t *testing.T) {
	be := FromConfigEntry(config.Entry{Name: "custom", KernelPath: "/vmlinuz", InitrdPath: "/initrd.img", Cmdline: "quiet"})

	if be.src != sourceKernel || be.kernelPath != "/vmlinuz" || be.initrdPath != "/initrd.img" || be.Cmdline != "quiet" {
		t.Fatalf("FromConfigEntry() = %+v", be)
	}
}

func TestFromConfigEntryISOPseudoPath(t *testing.T) {
	be := FromConfigEntry(config.Entry{Name: "debian", ISOPath: "iso:/debian.iso"})

	if be.src != sourceISO || be.isoPath != "/debian.iso" {
		t.Fatalf("FromConfigEntry() = %+v", be)
	}
}

func TestFromConfigEntryChunkedISOPseudoPath(t *testing.T) {
	be := FromConfigEntry(config.Entry{Name: "alpine", ISOPath: "chunked_iso:3"})

	if be.src != sourceChunkedISO || be.chunkIndex != 3 {
		t.Fatalf("FromConfigEntry() = %+v", be)
	}
}

func TestFromConfigEntryBareChunkedISOIndex(t *testing.T) {
	be := FromConfigEntry(config.Entry{Name: "arch", ChunkedISOIndex: 5})

	if be.src != sourceChunkedISO || be.chunkIndex != 5 {
		t.Fatalf("FromConfigEntry() = %+v", be)
	}
}

func TestProbeKernelFindsDebian(t *testing.T) {
	fs := newFakeFS(map[string][]byte{
		"/install.amd/vmlinuz":    []byte("kernel"),
		"/install.amd/initrd.gz": []byte("initrd"),
	})

	probe, err := probeKernel(fs)
	if err != nil {
		t.Fatalf("probeKernel() error = %v", err)
	}

	if probe.family != "debian" {
		t.Fatalf("probeKernel() family = %q, want debian", probe.family)
	}
}

func TestProbeKernelNoneMatch(t *testing.T) {
	fs := newFakeFS(map[string][]byte{})

	if _, err := probeKernel(fs); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("probeKernel() error = %v, want ErrKernelNotFound", err)
	}
}

func TestReadFileReturnsContents(t *testing.T) {
	fs := newFakeFS(map[string][]byte{"/vmlinuz": []byte("the-kernel-bytes")})

	got, err := readFile(fs, "/vmlinuz")
	if err != nil {
		t.Fatalf("readFile() error = %v", err)
	}

	if !bytes.Equal(got, []byte("the-kernel-bytes")) {
		t.Fatalf("readFile() = %q", got)
	}
}

func TestReadFileMissingPath(t *testing.T) {
	fs := newFakeFS(map[string][]byte{})

	if _, err := readFile(fs, "/nope"); err == nil {
		t.Fatal("readFile() error = nil, want an error for a missing path")
	}
}

func TestStageHandoverImageLaysOutKernelInitrdAndCmdline(t *testing.T) {
	arena := heap.New(1 << 20)

	kernel := bytes.Repeat([]byte{0xaa}, 4096)
	initrd := bytes.Repeat([]byte{0xbb}, 2048)

	img, err := stageHandoverImage(arena, kernel, initrd, "console=ttyS0")
	if err != nil {
		t.Fatalf("stageHandoverImage() error = %v", err)
	}

	if !bytes.Equal(arena.Bytes(img.kernelAddr, img.kernelSize), kernel) {
		t.Fatal("staged kernel bytes do not match source")
	}

	if !bytes.Equal(arena.Bytes(img.initrdAddr, img.initrdSize), initrd) {
		t.Fatal("staged initrd bytes do not match source")
	}

	cmdline := arena.Bytes(img.cmdlineAddr, len("console=ttyS0")+1)
	if string(cmdline[:len(cmdline)-1]) != "console=ttyS0" || cmdline[len(cmdline)-1] != 0 {
		t.Fatalf("staged cmdline = %q", cmdline)
	}
}

func TestStageHandoverImageWithoutInitrd(t *testing.T) {
	arena := heap.New(1 << 20)

	img, err := stageHandoverImage(arena, []byte{0x01, 0x02}, nil, "")
	if err != nil {
		t.Fatalf("stageHandoverImage() error = %v", err)
	}

	if img.initrdAddr != 0 || img.initrdSize != 0 {
		t.Fatalf("img.initrdAddr/Size = %d/%d, want 0/0 with no initrd", img.initrdAddr, img.initrdSize)
	}
}

func TestEFIHandoverReturnsErrHandoverUnsupported(t *testing.T) {
	arena := heap.New(1 << 20)
	st := firmware.NewForTest(nil)

	if err := efiHandover(st, arena, []byte{0x01}, nil, ""); !errors.Is(err, ErrHandoverUnsupported) {
		t.Fatalf("efiHandover() error = %v, want ErrHandoverUnsupported", err)
	}
}

func TestLauncherBootPlainKernelReachesHandoverStub(t *testing.T) {
	fs := newFakeFS(map[string][]byte{
		"/vmlinuz":     []byte("kernel-bytes"),
		"/initrd.img": []byte("initrd-bytes"),
	})

	l := &Launcher{Firmware: firmware.NewForTest(nil), Arena: heap.New(1 << 20)}
	entry := FromConfigEntry(config.Entry{Name: "custom", KernelPath: "/vmlinuz", InitrdPath: "/initrd.img"})

	err := l.Boot(entry, fs)
	if !errors.Is(err, ErrHandoverUnsupported) {
		t.Fatalf("Boot() error = %v, want ErrHandoverUnsupported once the kernel/initrd are staged", err)
	}
}

func TestLauncherBootProbesWellKnownKernelWhenPathUnset(t *testing.T) {
	fs := newFakeFS(map[string][]byte{
		"/boot/vmlinuz-lts":      []byte("kernel-bytes"),
		"/boot/initramfs-lts": []byte("initrd-bytes"),
	})

	l := &Launcher{Firmware: firmware.NewForTest(nil), Arena: heap.New(1 << 20)}
	entry := FromConfigEntry(config.Entry{Name: "alpine", ISOPath: "iso:/alpine.iso"})

	err := l.Boot(entry, fs)
	if !errors.Is(err, ErrHandoverUnsupported) {
		t.Fatalf("Boot() error = %v, want ErrHandoverUnsupported once the probed kernel is staged", err)
	}
}

func TestLauncherBootChunkedISOWithoutStoreFails(t *testing.T) {
	l := &Launcher{Firmware: firmware.NewForTest(nil), Arena: heap.New(1 << 20)}
	entry := FromConfigEntry(config.Entry{Name: "arch", ChunkedISOIndex: 0})

	if err := l.Boot(entry, nil); !errors.Is(err, ErrNoStore) {
		t.Fatalf("Boot() error = %v, want ErrNoStore", err)
	}
}

func TestLauncherBootUnknownKernelPropagatesProbeError(t *testing.T) {
	fs := newFakeFS(map[string][]byte{})

	l := &Launcher{Firmware: firmware.NewForTest(nil), Arena: heap.New(1 << 20)}
	entry := FromConfigEntry(config.Entry{Name: "mystery", ISOPath: "iso:/mystery.iso"})

	if err := l.Boot(entry, fs); !errors.Is(err, ErrKernelNotFound) {
		t.Fatalf("Boot() error = %v, want ErrKernelNotFound", err)
	}
}
