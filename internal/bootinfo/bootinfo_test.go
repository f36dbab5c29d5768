package bootinfo

import (
	"errors"
	"testing"

	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/efi/efitest"
)

const testBase = 0x6000000

func testMap() *efi.MemoryMap {
	return efi.BuildMemoryMap([]efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x300},
		{Type: efi.LoaderData, PhysicalStart: 0x400000, NumberOfPages: 0x10},
	}, 48, 1, 7)
}

func testParams() Params {
	return Params{
		Entry:    0x401000,
		StackTop: 0x7f0000,
		Cmdline:  "console=ttyS0 quiet",
		Framebuffer: &efi.Framebuffer{
			Base:   0x80000000,
			Size:   0x300000,
			Width:  1024,
			Height: 768,
			Stride: 1024,
			Format: efi.PixelBGRX8,
		},
		RSDP:            0x4000014,
		RuntimeServices: 0x4010800,
	}
}

func buildSealed(t *testing.T, params Params) (*efitest.Memory, *Table) {
	t.Helper()

	mem := efitest.NewMemory(testBase, 0x10000)
	tbl, err := New(mem, testBase, 0x10000, params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tbl.SetMemoryMap(testMap()); err != nil {
		t.Fatalf("SetMemoryMap: %v", err)
	}
	return mem, tbl
}

func TestRoundTrip(t *testing.T) {
	params := testParams()
	mem, tbl := buildSealed(t, params)

	info, err := ReadFrom(mem, tbl.Base())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	if info.Entry != params.Entry || info.StackTop != params.StackTop {
		t.Fatalf("entry/stack = %#x/%#x, want %#x/%#x", info.Entry, info.StackTop, params.Entry, params.StackTop)
	}
	if info.Cmdline != params.Cmdline {
		t.Fatalf("cmdline = %q, want %q", info.Cmdline, params.Cmdline)
	}
	if info.RSDP != params.RSDP || info.RuntimeServices != params.RuntimeServices {
		t.Fatalf("rsdp/runtime = %#x/%#x", info.RSDP, info.RuntimeServices)
	}
	if info.Framebuffer == nil || *info.Framebuffer != *params.Framebuffer {
		t.Fatalf("framebuffer = %+v, want %+v", info.Framebuffer, params.Framebuffer)
	}

	m := testMap()
	if info.MapBytes != uint64(len(m.Raw)) || info.MapDescSize != 48 || info.MapCount != 2 {
		t.Fatalf("map section = %+v", info)
	}
	if info.MapPtr < tbl.Base()+HeaderBytes {
		t.Fatalf("map pointer %#x inside header", info.MapPtr)
	}
}

func TestMapSectionContents(t *testing.T) {
	mem, tbl := buildSealed(t, testParams())

	info, err := ReadFrom(mem, tbl.Base())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	raw := make([]byte, info.MapBytes)
	if _, err := mem.ReadAt(raw, int64(info.MapPtr)); err != nil {
		t.Fatalf("read map copy: %v", err)
	}
	decoded, err := efi.DecodeMemoryMap(raw, info.MapDescSize, info.MapDescVer, 0)
	if err != nil {
		t.Fatalf("DecodeMemoryMap: %v", err)
	}
	if decoded.EntryCount() != 2 {
		t.Fatalf("EntryCount = %d, want 2", decoded.EntryCount())
	}
	if d := decoded.Descriptors[0]; d.Type != efi.ConventionalMemory || d.PhysicalStart != 0x100000 {
		t.Fatalf("descriptor 0 = %+v", d)
	}
}

func TestEmptyCmdline(t *testing.T) {
	params := testParams()
	params.Cmdline = ""
	params.Framebuffer = nil
	params.RSDP = 0
	params.RuntimeServices = 0

	mem, tbl := buildSealed(t, params)

	info, err := ReadFrom(mem, tbl.Base())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if info.Cmdline != "" {
		t.Fatalf("cmdline = %q, want empty", info.Cmdline)
	}
	if info.Framebuffer != nil || info.RSDP != 0 || info.RuntimeServices != 0 {
		t.Fatalf("optional fields set: %+v", info)
	}
	if info.MapPtr != tbl.Base()+HeaderBytes {
		t.Fatalf("map pointer = %#x, want map directly after header", info.MapPtr)
	}
}

func TestSetMemoryMapReplacesSection(t *testing.T) {
	mem, tbl := buildSealed(t, testParams())

	// A retried exit rewrites the section with a fresh, differently-sized
	// snapshot. The block must stay valid and reflect the new map.
	refetched := efi.BuildMemoryMap([]efi.MemoryDescriptor{
		{Type: efi.ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x200},
		{Type: efi.LoaderData, PhysicalStart: 0x300000, NumberOfPages: 0x20},
		{Type: efi.BootServicesData, PhysicalStart: 0x320000, NumberOfPages: 0x10},
	}, 48, 1, 9)
	if err := tbl.SetMemoryMap(refetched); err != nil {
		t.Fatalf("second SetMemoryMap: %v", err)
	}

	info, err := ReadFrom(mem, tbl.Base())
	if err != nil {
		t.Fatalf("ReadFrom after rewrite: %v", err)
	}
	if info.MapCount != 3 || info.MapBytes != uint64(len(refetched.Raw)) {
		t.Fatalf("map section = count %d bytes %d, want 3/%d", info.MapCount, info.MapBytes, len(refetched.Raw))
	}
}

func TestIncompleteBlockNotReadable(t *testing.T) {
	mem := efitest.NewMemory(testBase, 0x10000)
	if _, err := New(mem, testBase, 0x10000, testParams()); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := ReadFrom(mem, testBase); !errors.Is(err, ErrMalformed) {
		t.Fatalf("ReadFrom on block without a map: %v, want ErrMalformed", err)
	}
}

func TestCapacityEnforced(t *testing.T) {
	mem := efitest.NewMemory(testBase, 0x10000)

	if _, err := New(mem, testBase, 64, testParams()); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("New with tiny capacity: %v, want ErrNoSpace", err)
	}

	tbl, err := New(mem, testBase, HeaderBytes+32, Params{Entry: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tbl.SetMemoryMap(testMap()); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("SetMemoryMap overflow: %v, want ErrNoSpace", err)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	mem, tbl := buildSealed(t, testParams())

	size := tbl.Size()
	pristine := make([]byte, size)
	if _, err := mem.ReadAt(pristine, int64(tbl.Base())); err != nil {
		t.Fatalf("read block: %v", err)
	}

	corrupt := func(mutate func(b []byte)) error {
		b := make([]byte, len(pristine))
		copy(b, pristine)
		mutate(b)
		_, err := Decode(b, tbl.Base())
		return err
	}

	if err := corrupt(func(b []byte) { b[0] = 'X' }); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad magic: %v, want ErrMalformed", err)
	}
	if err := corrupt(func(b []byte) { b[offVersion] = 9 }); !errors.Is(err, ErrMalformed) {
		t.Fatalf("bad version: %v, want ErrMalformed", err)
	}
	if err := corrupt(func(b []byte) { b[offEntry] ^= 0xff }); !errors.Is(err, ErrMalformed) {
		t.Fatalf("flipped entry byte: %v, want checksum failure", err)
	}
	if err := corrupt(func(b []byte) {
		b[offCmdlineLen] = 0xff
		b[offChecksum] = 0
		b[offChecksum] = checksum(b)
	}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("cmdline overrunning block: %v, want ErrMalformed", err)
	}
}

func TestCapacityHelper(t *testing.T) {
	m := testMap()
	mapBytes := uint64(len(m.Raw))

	mem := efitest.NewMemory(testBase, 0x10000)
	cmdline := "root=/dev/vda1"
	tbl, err := New(mem, testBase, Capacity(cmdline, mapBytes), Params{Entry: 1, Cmdline: cmdline})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tbl.SetMemoryMap(m); err != nil {
		t.Fatalf("SetMemoryMap within Capacity: %v", err)
	}
}
