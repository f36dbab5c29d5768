package efi

import (
	"encoding/binary"
	"fmt"
)

// GUID is an EFI_GUID in its natural mixed-endian layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// Well-known protocol and configuration table GUIDs.
var (
	ACPI20TableGUID      = GUID{0x8868e871, 0xe4f1, 0x11d3, [8]byte{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}}
	ACPI10TableGUID      = GUID{0xeb9d2d30, 0x2d88, 0x11d3, [8]byte{0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d}}
	GraphicsOutputGUID   = GUID{0x9042a9de, 0x23dc, 0x4a38, [8]byte{0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}}
	SimpleFileSystemGUID = GUID{0x964e5b22, 0x6459, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	LoadedImageGUID      = GUID{0x5b1b31a1, 0x9562, 0x11d2, [8]byte{0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
	FileInfoGUID         = GUID{0x09576e92, 0x6d3f, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}
)

func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g.Data1, g.Data2, g.Data3,
		g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
		g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
}

// Encode returns the 16-byte wire form used in protocol calls and
// configuration table entries.
func (g GUID) Encode() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], g.Data1)
	binary.LittleEndian.PutUint16(b[4:], g.Data2)
	binary.LittleEndian.PutUint16(b[6:], g.Data3)
	copy(b[8:], g.Data4[:])
	return b
}

// ParseGUID decodes the 16-byte wire form.
func ParseGUID(b []byte) (GUID, error) {
	if len(b) < 16 {
		return GUID{}, fmt.Errorf("guid needs 16 bytes, have %d", len(b))
	}
	g := GUID{
		Data1: binary.LittleEndian.Uint32(b[0:]),
		Data2: binary.LittleEndian.Uint16(b[4:]),
		Data3: binary.LittleEndian.Uint16(b[6:]),
	}
	copy(g.Data4[:], b[8:16])
	return g, nil
}
