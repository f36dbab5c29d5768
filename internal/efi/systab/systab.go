//go:build tamago && amd64

package systab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"github.com/eboot/eboot/internal/efi"
)

// EFI_SYSTEM_TABLE field offsets.
const (
	hdrSignature    = 0x00
	hdrRevision     = 0x08
	firmwareVendor  = 0x18
	conOutProtocol  = 0x40
	runtimeServices = 0x58
	bootServicesPtr = 0x60
	tableEntries    = 0x68
	configTables    = 0x70

	systabBytes = 0x78

	// "IBI SYST"
	systabSignature = 0x5453595320494249

	configTableBytes = 24
)

// EFI_BOOT_SERVICES function offsets.
const (
	allocatePages    = 0x28
	freePages        = 0x30
	getMemoryMap     = 0x38
	handleProtocol   = 0x98
	exitBootServices = 0xe8
	setWatchdogTimer = 0x100
	locateProtocol   = 0x140
)

// EFI_ALLOCATE_TYPE
const (
	allocateAnyPages = 0
	allocateAddress  = 2
)

// callService invokes fn, a physical function address, with the Microsoft
// x64 calling convention the firmware uses. Implemented in systab_amd64.s.
func callService(fn, a1, a2, a3, a4, a5 uint64) uint64

// ptrval returns the physical address of p. The runtime heap lives in
// identity-mapped allocated memory, so the pointer value is the address
// firmware needs.
func ptrval[T any](p *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

// deref reads one naturally aligned 64-bit word of physical memory.
func deref(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}

// Table is a live system table. It implements efi.Firmware.
type Table struct {
	image uint64
	base  uint64
	boot  uint64

	mem Memory
	out *output

	vendor   string
	revision efi.Revision
	runtime  uint64
	tables   map[efi.GUID]uint64
}

var _ efi.Firmware = &Table{}

// FromHandle binds to the system table the firmware passed at image entry.
func FromHandle(imageHandle, systemTable uint64) (*Table, error) {
	if systemTable == 0 {
		return nil, errors.New("nil system table")
	}

	t := &Table{image: imageHandle, base: systemTable}

	hdr, err := t.mem.Slice(systemTable, systabBytes)
	if err != nil {
		return nil, err
	}
	if sig := binary.LittleEndian.Uint64(hdr[hdrSignature:]); sig != systabSignature {
		return nil, fmt.Errorf("system table signature %#x", sig)
	}

	rev := binary.LittleEndian.Uint32(hdr[hdrRevision:])
	t.revision = efi.Revision{Major: int(rev >> 16), Minor: int(rev & 0xffff)}
	t.vendor = readUCS2(t.mem, binary.LittleEndian.Uint64(hdr[firmwareVendor:]))
	t.runtime = binary.LittleEndian.Uint64(hdr[runtimeServices:])

	t.boot = binary.LittleEndian.Uint64(hdr[bootServicesPtr:])
	if t.boot == 0 {
		return nil, errors.New("boot services pointer is nil")
	}
	out := binary.LittleEndian.Uint64(hdr[conOutProtocol:])
	if out == 0 {
		return nil, errors.New("console output pointer is nil")
	}
	t.out = &output{t: t, proto: out}

	if err := t.loadConfigTables(hdr); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) loadConfigTables(hdr []byte) error {
	n := binary.LittleEndian.Uint64(hdr[tableEntries:])
	ptr := binary.LittleEndian.Uint64(hdr[configTables:])
	if n == 0 || ptr == 0 {
		return nil
	}
	if n > 4096 {
		return fmt.Errorf("implausible configuration table count %d", n)
	}

	raw, err := t.mem.Slice(ptr, n*configTableBytes)
	if err != nil {
		return err
	}
	t.tables = make(map[efi.GUID]uint64, n)
	for i := uint64(0); i < n; i++ {
		e := raw[i*configTableBytes:]
		g, err := efi.ParseGUID(e[:16])
		if err != nil {
			return err
		}
		t.tables[g] = binary.LittleEndian.Uint64(e[16:])
	}
	return nil
}

func (t *Table) Vendor() string             { return t.vendor }
func (t *Table) Revision() efi.Revision     { return t.revision }
func (t *Table) ConOut() efi.TextOutput     { return t.out }
func (t *Table) Boot() efi.BootServices     { return bootCalls{t} }
func (t *Table) Memory() efi.PhysicalMemory { return t.mem }
func (t *Table) RuntimeServices() uint64    { return t.runtime }

func (t *Table) ConfigTable(guid efi.GUID) (uint64, bool) {
	addr, ok := t.tables[guid]
	return addr, ok
}

// status invokes the service stored at table+off. The services used here
// take at most five arguments.
func (t *Table) status(table, off uint64, args ...uint64) efi.Status {
	fn := deref(table + off)
	if fn == 0 {
		return efi.StatusUnsupported
	}
	var a [5]uint64
	copy(a[:], args)
	return efi.Status(callService(fn, a[0], a[1], a[2], a[3], a[4]))
}

func (t *Table) call(table, off uint64, args ...uint64) error {
	return t.status(table, off, args...).Err()
}

// protocol resolves a protocol interface installed on a handle.
func (t *Table) protocol(handle uint64, guid efi.GUID) (uint64, error) {
	g := guid.Encode()
	var iface uint64
	if err := t.call(t.boot, handleProtocol, handle, ptrval(&g[0]), ptrval(&iface)); err != nil {
		return 0, fmt.Errorf("protocol %s on handle %#x: %w", guid, handle, err)
	}
	return iface, nil
}

// locate resolves the first published instance of a protocol.
func (t *Table) locate(guid efi.GUID) (uint64, error) {
	g := guid.Encode()
	var iface uint64
	if err := t.call(t.boot, locateProtocol, ptrval(&g[0]), 0, ptrval(&iface)); err != nil {
		return 0, fmt.Errorf("protocol %s: %w", guid, err)
	}
	return iface, nil
}

// readUCS2 reads a NUL-terminated UCS-2 string, bounded to keep a missing
// terminator from running away.
func readUCS2(mem Memory, addr uint64) string {
	if addr == 0 {
		return ""
	}
	var u []uint16
	for off := uint64(0); off < 512; off += 2 {
		b, err := mem.Slice(addr+off, 2)
		if err != nil {
			break
		}
		c := binary.LittleEndian.Uint16(b)
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}
