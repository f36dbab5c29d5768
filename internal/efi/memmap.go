package efi

import (
	"encoding/binary"
	"fmt"
)

// DescriptorBytes is the defined size of an EFI_MEMORY_DESCRIPTOR.
// Firmware reports its own DescriptorSize which may be larger; callers must
// step by that, never by this.
const DescriptorBytes = 40

const (
	descType          = 0
	descPhysicalStart = 8
	descVirtualStart  = 16
	descNumberOfPages = 24
	descAttribute     = 32
)

// MemoryDescriptor is one entry of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// End returns the first address past the described range.
func (d MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// Bytes returns the size of the described range.
func (d MemoryDescriptor) Bytes() uint64 {
	return d.NumberOfPages * PageSize
}

// PutDescriptor encodes d into b, which must hold at least
// DescriptorBytes.
func PutDescriptor(b []byte, d MemoryDescriptor) {
	binary.LittleEndian.PutUint32(b[descType:], uint32(d.Type))
	binary.LittleEndian.PutUint32(b[descType+4:], 0)
	binary.LittleEndian.PutUint64(b[descPhysicalStart:], d.PhysicalStart)
	binary.LittleEndian.PutUint64(b[descVirtualStart:], d.VirtualStart)
	binary.LittleEndian.PutUint64(b[descNumberOfPages:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(b[descAttribute:], d.Attribute)
}

// ParseDescriptor decodes one descriptor from b.
func ParseDescriptor(b []byte) (MemoryDescriptor, error) {
	if len(b) < DescriptorBytes {
		return MemoryDescriptor{}, fmt.Errorf("memory descriptor needs %d bytes, have %d", DescriptorBytes, len(b))
	}
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(b[descType:])),
		PhysicalStart: binary.LittleEndian.Uint64(b[descPhysicalStart:]),
		VirtualStart:  binary.LittleEndian.Uint64(b[descVirtualStart:]),
		NumberOfPages: binary.LittleEndian.Uint64(b[descNumberOfPages:]),
		Attribute:     binary.LittleEndian.Uint64(b[descAttribute:]),
	}, nil
}

// MemoryMap is one snapshot of the firmware memory map. Raw holds the
// buffer exactly as the firmware filled it; Descriptors is the decoded
// view. A snapshot never changes after it is taken, but any allocation or
// free made afterwards invalidates MapKey.
type MemoryMap struct {
	Raw               []byte
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32

	Descriptors []MemoryDescriptor
}

func (m *MemoryMap) EntryCount() int { return len(m.Descriptors) }

// Clone deep-copies the snapshot.
func (m *MemoryMap) Clone() *MemoryMap {
	out := &MemoryMap{
		Raw:               append([]byte(nil), m.Raw...),
		MapKey:            m.MapKey,
		DescriptorSize:    m.DescriptorSize,
		DescriptorVersion: m.DescriptorVersion,
		Descriptors:       append([]MemoryDescriptor(nil), m.Descriptors...),
	}
	return out
}

// DecodeMemoryMap builds a snapshot from a firmware-filled buffer. raw must
// be trimmed to the reported map size already.
func DecodeMemoryMap(raw []byte, descSize uint64, descVersion uint32, mapKey uint64) (*MemoryMap, error) {
	if descSize < DescriptorBytes {
		return nil, fmt.Errorf("descriptor size %d below minimum %d", descSize, DescriptorBytes)
	}
	if uint64(len(raw))%descSize != 0 {
		return nil, fmt.Errorf("map size %d is not a multiple of descriptor size %d", len(raw), descSize)
	}

	m := &MemoryMap{
		Raw:               raw,
		MapKey:            mapKey,
		DescriptorSize:    descSize,
		DescriptorVersion: descVersion,
	}

	for off := uint64(0); off < uint64(len(raw)); off += descSize {
		d, err := ParseDescriptor(raw[off:])
		if err != nil {
			return nil, err
		}
		m.Descriptors = append(m.Descriptors, d)
	}

	return m, nil
}

// BuildMemoryMap is the inverse of DecodeMemoryMap, used by adapters that
// synthesize maps.
func BuildMemoryMap(descs []MemoryDescriptor, descSize uint64, descVersion uint32, mapKey uint64) *MemoryMap {
	if descSize < DescriptorBytes {
		descSize = DescriptorBytes
	}

	raw := make([]byte, descSize*uint64(len(descs)))
	for i, d := range descs {
		PutDescriptor(raw[uint64(i)*descSize:], d)
	}

	return &MemoryMap{
		Raw:               raw,
		MapKey:            mapKey,
		DescriptorSize:    descSize,
		DescriptorVersion: descVersion,
		Descriptors:       append([]MemoryDescriptor(nil), descs...),
	}
}

// MapBufferSize sizes the fetch buffer for a reported map size, leaving
// headroom for the entries the fetch itself may add. The slack is an
// eighth of the reported size, rounded up to whole descriptors.
func MapBufferSize(mapSize, descSize uint64) uint64 {
	n := mapSize + mapSize/8
	if descSize > 0 {
		if r := n % descSize; r != 0 {
			n += descSize - r
		}
	}
	return n
}
