package firmware

import (
	"testing"

	"github.com/f-secure-foundry/morpheus/memory"

	efi "github.com/canonical/go-efilib"
)

type fakeServices struct {
	memMap      []efi.MemoryDescriptor
	memMapErr   error
	exitErr     error
	exited      bool
	vars        map[string][]byte
	resetCalled bool
	resetType   ResetType
}

func newFakeServices() *fakeServices {
	return &fakeServices{vars: map[string][]byte{}}
}

func (f *fakeServices) getMemoryMap() ([]efi.MemoryDescriptor, error) {
	return f.memMap, f.memMapErr
}

func (f *fakeServices) exitBootServices() error {
	if f.exitErr != nil {
		return f.exitErr
	}

	f.exited = true

	return nil
}

func (f *fakeServices) getVariable(name string, guid GUID) ([]byte, VariableAttributes, error) {
	data, ok := f.vars[name]
	if !ok {
		return nil, 0, efi.ErrVarNotExist
	}

	return data, efi.AttributeNonVolatile, nil
}

func (f *fakeServices) setVariable(name string, guid GUID, attrs VariableAttributes, data []byte) error {
	f.vars[name] = data
	return nil
}

func (f *fakeServices) resetSystem(t ResetType, data []byte) {
	f.resetCalled = true
	f.resetType = t
}

func TestMemoryMapClassifiesDescriptors(t *testing.T) {
	fake := newFakeServices()
	fake.memMap = []efi.MemoryDescriptor{
		{Type: efi.ConventionalMemoryType, PhysicalStart: 0x100000, NumberOfPages: 16},
		{Type: efi.BootServicesCodeMemoryType, PhysicalStart: 0x200000, NumberOfPages: 4, Attribute: efi.MemoryRuntime},
		{Type: efi.ACPIReclaimMemoryType, PhysicalStart: 0x300000, NumberOfPages: 2},
	}

	st := NewForTest(fake)

	descs, err := st.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap() error: %v", err)
	}

	if len(descs) != 3 {
		t.Fatalf("MemoryMap() returned %d descriptors, want 3", len(descs))
	}

	if descs[0].Kind != memory.KindConventional {
		t.Errorf("descs[0].Kind = %s, want conventional", descs[0].Kind)
	}

	if descs[1].Kind != memory.KindFirmwareServicesCode {
		t.Errorf("descs[1].Kind = %s, want firmware-services-code", descs[1].Kind)
	}

	if descs[1].Attr&memory.AttrRuntime == 0 {
		t.Errorf("descs[1].Attr missing AttrRuntime")
	}

	if descs[2].Kind != memory.KindFirmwareReclaim {
		t.Errorf("descs[2].Kind = %s, want firmware-reclaim", descs[2].Kind)
	}
}

func TestMemoryMapFailsAfterExit(t *testing.T) {
	st := NewForTest(newFakeServices())

	if err := st.ExitBootServices(); err != nil {
		t.Fatalf("ExitBootServices() error: %v", err)
	}

	if _, err := st.MemoryMap(); err != ErrAlreadyExited {
		t.Fatalf("MemoryMap() after exit = %v, want ErrAlreadyExited", err)
	}
}

func TestExitBootServicesIsNotIdempotent(t *testing.T) {
	st := NewForTest(newFakeServices())

	if err := st.ExitBootServices(); err != nil {
		t.Fatalf("first ExitBootServices() error: %v", err)
	}

	if err := st.ExitBootServices(); err != ErrAlreadyExited {
		t.Fatalf("second ExitBootServices() = %v, want ErrAlreadyExited", err)
	}
}

func TestReadVariableUnsetReturnsNilNotError(t *testing.T) {
	st := NewForTest(newFakeServices())

	data, err := st.ReadVariable("MorpheusRetries")
	if err != nil {
		t.Fatalf("ReadVariable() error: %v", err)
	}

	if data != nil {
		t.Fatalf("ReadVariable() = %v, want nil", data)
	}
}

func TestWriteThenReadVariableRoundTrips(t *testing.T) {
	st := NewForTest(newFakeServices())

	if err := st.WriteVariable("MorpheusRetries", []byte("3")); err != nil {
		t.Fatalf("WriteVariable() error: %v", err)
	}

	data, err := st.ReadVariable("MorpheusRetries")
	if err != nil {
		t.Fatalf("ReadVariable() error: %v", err)
	}

	if string(data) != "3" {
		t.Fatalf("ReadVariable() = %q, want %q", data, "3")
	}
}

func TestResetSystemForwardsToServices(t *testing.T) {
	fake := newFakeServices()
	st := NewForTest(fake)

	if err := st.ResetSystem(ResetShutdown, nil); err != nil {
		t.Fatalf("ResetSystem() error: %v", err)
	}

	if !fake.resetCalled || fake.resetType != ResetShutdown {
		t.Fatalf("ResetSystem() did not forward to services: called=%v type=%v", fake.resetCalled, fake.resetType)
	}
}

func TestUncapturedSystemTableReturnsErrNotCaptured(t *testing.T) {
	var st SystemTable

	if _, err := st.MemoryMap(); err != ErrNotCaptured {
		t.Errorf("MemoryMap() = %v, want ErrNotCaptured", err)
	}

	if err := st.ExitBootServices(); err != ErrNotCaptured {
		t.Errorf("ExitBootServices() = %v, want ErrNotCaptured", err)
	}

	if _, err := st.ReadVariable("x"); err != ErrNotCaptured {
		t.Errorf("ReadVariable() = %v, want ErrNotCaptured", err)
	}
}
