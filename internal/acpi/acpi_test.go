package acpi_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/eboot/eboot/internal/acpi"
	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/efi/efitest"
)

// fix returns the byte that makes b sum to zero.
func fix(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}

// buildV1 assembles a 20-byte revision-0 root pointer.
func buildV1(rsdt uint32) []byte {
	b := make([]byte, 20)
	copy(b, "RSD PTR ")
	copy(b[9:15], "EBOOT ")
	binary.LittleEndian.PutUint32(b[16:], rsdt)
	b[8] = fix(b)
	return b
}

// tableFirmware is a firmware stub exposing only the configuration table
// and physical memory; nothing else is called by the code under test.
type tableFirmware struct {
	efi.Firmware
	tables map[efi.GUID]uint64
	mem    *efitest.Memory
}

func (f tableFirmware) ConfigTable(guid efi.GUID) (uint64, bool) {
	addr, ok := f.tables[guid]
	return addr, ok
}

func (f tableFirmware) Memory() efi.PhysicalMemory { return f.mem }

func TestReadV2(t *testing.T) {
	mem := efitest.NewMemory(0x4000000, 0x1000)
	if _, err := mem.WriteAt(acpi.Build(0x4000100, "EBOOT "), 0x4000014); err != nil {
		t.Fatal(err)
	}

	r, err := acpi.Read(mem, 0x4000014)
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if r.Addr != 0x4000014 {
		t.Errorf("Addr = %#x, want 0x4000014", r.Addr)
	}
	if r.Revision != 2 {
		t.Errorf("Revision = %d, want 2", r.Revision)
	}
	if r.XSDT != 0x4000100 {
		t.Errorf("XSDT = %#x, want 0x4000100", r.XSDT)
	}
	if r.OEMID != "EBOOT " {
		t.Errorf("OEMID = %q, want %q", r.OEMID, "EBOOT ")
	}
}

func TestReadV1(t *testing.T) {
	mem := efitest.NewMemory(0xe0000, 0x1000)
	if _, err := mem.WriteAt(buildV1(0x7fe1000), 0xe0000); err != nil {
		t.Fatal(err)
	}

	r, err := acpi.Read(mem, 0xe0000)
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if r.Revision != 0 {
		t.Errorf("Revision = %d, want 0", r.Revision)
	}
	if r.RSDT != 0x7fe1000 {
		t.Errorf("RSDT = %#x, want 0x7fe1000", r.RSDT)
	}
	if r.XSDT != 0 {
		t.Errorf("XSDT = %#x, want 0", r.XSDT)
	}
}

func TestReadRejectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(b []byte)
	}{
		{"bad signature", func(b []byte) { b[0] = 'X' }},
		{"bad checksum", func(b []byte) { b[8] ^= 0xff }},
		{"bad extended checksum", func(b []byte) { b[33] ^= 0xff }},
		{"undersized length", func(b []byte) {
			binary.LittleEndian.PutUint32(b[20:], 8)
			b[8] = 0
			b[8] = fix(b[:20])
		}},
		{"oversized length", func(b []byte) {
			binary.LittleEndian.PutUint32(b[20:], 1<<20)
			b[8] = 0
			b[8] = fix(b[:20])
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := acpi.Build(0x4000100, "EBOOT ")
			tt.corrupt(b)

			mem := efitest.NewMemory(0x4000000, 0x1000)
			if _, err := mem.WriteAt(b, 0x4000014); err != nil {
				t.Fatal(err)
			}
			if _, err := acpi.Read(mem, 0x4000014); !errors.Is(err, acpi.ErrInvalid) {
				t.Fatalf("Read() = %v, want %v", err, acpi.ErrInvalid)
			}
		})
	}
}

func TestLocatePrefersRevision2(t *testing.T) {
	mem := efitest.NewMemory(0x4000000, 0x1000)
	if _, err := mem.WriteAt(acpi.Build(0x4000200, "EBOOT "), 0x4000014); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.WriteAt(buildV1(0x4000300), 0x4000800); err != nil {
		t.Fatal(err)
	}

	fw := tableFirmware{
		tables: map[efi.GUID]uint64{
			efi.ACPI20TableGUID: 0x4000014,
			efi.ACPI10TableGUID: 0x4000800,
		},
		mem: mem,
	}

	r, err := acpi.Locate(fw)
	if err != nil {
		t.Fatalf("Locate() = %v", err)
	}
	if r.Addr != 0x4000014 || r.Revision != 2 {
		t.Fatalf("Locate() = %#x rev %d, want 0x4000014 rev 2", r.Addr, r.Revision)
	}
}

func TestLocateFallsBackToRevision1(t *testing.T) {
	mem := efitest.NewMemory(0x4000000, 0x1000)
	if _, err := mem.WriteAt(buildV1(0x4000300), 0x4000800); err != nil {
		t.Fatal(err)
	}

	fw := tableFirmware{
		tables: map[efi.GUID]uint64{efi.ACPI10TableGUID: 0x4000800},
		mem:    mem,
	}

	r, err := acpi.Locate(fw)
	if err != nil {
		t.Fatalf("Locate() = %v", err)
	}
	if r.Addr != 0x4000800 || r.Revision != 0 {
		t.Fatalf("Locate() = %#x rev %d, want 0x4000800 rev 0", r.Addr, r.Revision)
	}
}

func TestLocateNoEntry(t *testing.T) {
	fw := tableFirmware{
		tables: map[efi.GUID]uint64{},
		mem:    efitest.NewMemory(0x4000000, 0x1000),
	}
	if _, err := acpi.Locate(fw); !errors.Is(err, efi.ErrNotFound) {
		t.Fatalf("Locate() = %v, want %v", err, efi.ErrNotFound)
	}
}

func TestLocateRejectsGarbageEntry(t *testing.T) {
	fw := tableFirmware{
		tables: map[efi.GUID]uint64{efi.ACPI20TableGUID: 0x4000014},
		mem:    efitest.NewMemory(0x4000000, 0x1000),
	}
	if _, err := acpi.Locate(fw); !errors.Is(err, acpi.ErrInvalid) {
		t.Fatalf("Locate() = %v, want %v", err, acpi.ErrInvalid)
	}
}

func TestLocateOverScriptedFirmware(t *testing.T) {
	fw := efitest.New(efitest.Options{RSDP: 0x4000014})

	r, err := acpi.Locate(fw)
	if err != nil {
		t.Fatalf("Locate() = %v", err)
	}
	if r.Addr != 0x4000014 {
		t.Errorf("Addr = %#x, want 0x4000014", r.Addr)
	}
	if r.Revision != 2 || r.XSDT == 0 {
		t.Errorf("Revision/XSDT = %d/%#x, want revision 2 with a table pointer", r.Revision, r.XSDT)
	}
}
