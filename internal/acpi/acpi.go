// Package acpi validates the ACPI root pointer (RSDP) that firmware
// advertises through the EFI configuration table. The stub never parses
// the tables themselves; it only refuses to hand the kernel a pointer
// that fails the structural checks.
package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
)

// ErrInvalid means the bytes at the advertised address are not an RSDP.
var ErrInvalid = errors.New("invalid RSDP")

const signature = "RSD PTR "

const (
	v1Bytes = 20
	v2Bytes = 36

	// A revision-2 RSDP declares its own length; anything past this is
	// garbage, not a vendor extension.
	maxBytes = 4096
)

// RSDP is a validated root pointer.
type RSDP struct {
	Addr     uint64
	Revision uint8
	OEMID    string
	RSDT     uint32
	XSDT     uint64
}

// Read validates the structure at addr: signature, checksum over the
// first 20 bytes, and for revision 2 the declared length and extended
// checksum.
func Read(mem efi.PhysicalMemory, addr uint64) (*RSDP, error) {
	b := make([]byte, v1Bytes)
	if _, err := mem.ReadAt(b, int64(addr)); err != nil {
		return nil, fmt.Errorf("read RSDP at %#x: %w", addr, err)
	}
	if string(b[:8]) != signature {
		return nil, fmt.Errorf("signature %q at %#x: %w", b[:8], addr, ErrInvalid)
	}
	if checksum(b) != 0 {
		return nil, fmt.Errorf("checksum mismatch at %#x: %w", addr, ErrInvalid)
	}

	r := &RSDP{
		Addr:     addr,
		Revision: b[15],
		OEMID:    string(b[9:15]),
		RSDT:     binary.LittleEndian.Uint32(b[16:]),
	}
	if r.Revision < 2 {
		return r, nil
	}

	ext := make([]byte, v2Bytes)
	if _, err := mem.ReadAt(ext, int64(addr)); err != nil {
		return nil, fmt.Errorf("read RSDP at %#x: %w", addr, err)
	}
	length := binary.LittleEndian.Uint32(ext[20:])
	if length < v2Bytes || length > maxBytes {
		return nil, fmt.Errorf("declared length %d at %#x: %w", length, addr, ErrInvalid)
	}
	if length > v2Bytes {
		ext = make([]byte, length)
		if _, err := mem.ReadAt(ext, int64(addr)); err != nil {
			return nil, fmt.Errorf("read RSDP at %#x: %w", addr, err)
		}
	}
	if checksum(ext) != 0 {
		return nil, fmt.Errorf("extended checksum mismatch at %#x: %w", addr, ErrInvalid)
	}

	r.XSDT = binary.LittleEndian.Uint64(ext[24:])
	return r, nil
}

// Locate scans the configuration table for an ACPI root pointer, newest
// revision first, and returns the first one that validates. With no ACPI
// entry at all the error is efi.ErrNotFound; an entry that points at
// garbage reports ErrInvalid.
func Locate(fw efi.Firmware) (*RSDP, error) {
	var firstErr error
	for _, guid := range []efi.GUID{efi.ACPI20TableGUID, efi.ACPI10TableGUID} {
		addr, ok := fw.ConfigTable(guid)
		if !ok {
			continue
		}
		r, err := Read(fw.Memory(), addr)
		if err == nil {
			return r, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("no ACPI entry in the configuration table: %w", efi.ErrNotFound)
}

// Build assembles a well-formed revision-2 RSDP. The test firmware uses
// it to populate fake ACPI reclaim memory.
func Build(xsdt uint64, oemID string) []byte {
	b := make([]byte, v2Bytes)
	copy(b[0:], signature)
	copy(b[9:15], oemID)
	b[15] = 2
	binary.LittleEndian.PutUint32(b[16:], 0)
	binary.LittleEndian.PutUint32(b[20:], uint32(len(b)))
	binary.LittleEndian.PutUint64(b[24:], xsdt)

	b[8] = checksum(b[:v1Bytes])
	b[32] = checksum(b)
	return b
}

// checksum returns the byte that makes b sum to zero; for a block with
// its checksum byte already in place it returns zero exactly when the
// block is intact.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
