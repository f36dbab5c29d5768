// Package bootinfo assembles the handoff block the kernel receives in its
// first argument register. The layout is fixed little-endian with an
// in-header checksum byte; command line and memory map are copied into the
// block so the kernel never chases pointers into firmware-owned memory.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
)

var (
	ErrMalformed = errors.New("malformed boot info block")
	ErrNoSpace   = errors.New("boot info block too small")
)

const (
	// Magic is the block signature, "EBT1" in memory order.
	Magic   = "EBT1"
	Version = 1

	// HeaderBytes is the fixed part of the block. Command line and memory
	// map copies follow it.
	HeaderBytes = 128
)

// Header field offsets.
const (
	offMagic    = 0  // 4 bytes
	offVersion  = 4  // uint16
	offChecksum = 6  // byte, whole block sums to zero
	offSize     = 8  // uint32, total block bytes
	offFlags    = 12 // uint32

	offEntry      = 16
	offStackTop   = 24
	offCmdlinePtr = 32
	offCmdlineLen = 40

	offMapPtr      = 48
	offMapBytes    = 56
	offMapDescSize = 64
	offMapDescVer  = 72 // uint32
	offMapCount    = 76 // uint32

	offFBBase   = 80
	offFBBytes  = 88
	offFBWidth  = 96  // uint32
	offFBHeight = 100 // uint32
	offFBStride = 104 // uint32
	offFBFormat = 108 // uint32

	offRSDP    = 112
	offRuntime = 120
)

// Flag bits.
const (
	FlagFramebuffer = 1 << 0
	FlagRSDP        = 1 << 1
	FlagRuntime     = 1 << 2
)

// Params carries every field known before the final memory map fetch.
type Params struct {
	Entry    uint64
	StackTop uint64
	Cmdline  string

	Framebuffer     *efi.Framebuffer
	RSDP            uint64
	RuntimeServices uint64
}

// Capacity returns the block size needed for a command line and a memory
// map copy of mapBytes. Size the map generously; the final snapshot is
// fetched after the block is reserved.
func Capacity(cmdline string, mapBytes uint64) uint64 {
	return cmdlineEnd(len(cmdline)) + mapBytes
}

func cmdlineEnd(n int) uint64 {
	if n == 0 {
		return HeaderBytes
	}
	return alignUp(HeaderBytes+uint64(n)+1, 8)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Table is a boot info block under construction. New writes everything
// except the memory map section; SetMemoryMap completes it. A retried exit
// calls SetMemoryMap again with the refetched map, replacing the section
// and the checksum wholesale.
type Table struct {
	mem      efi.PhysicalMemory
	base     uint64
	capacity uint64

	buf    []byte
	mapOff uint64
	mapSet bool
}

// New writes the fixed fields and the command line copy at base. The size
// and checksum stay zero until the map section is written, so a reader
// cannot mistake a half-built block for a valid one.
func New(mem efi.PhysicalMemory, base, capacity uint64, params Params) (*Table, error) {
	mapOff := cmdlineEnd(len(params.Cmdline))
	if capacity < mapOff {
		return nil, fmt.Errorf("%d byte block cannot hold %d byte header: %w", capacity, mapOff, ErrNoSpace)
	}

	buf := make([]byte, mapOff)
	copy(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint16(buf[offVersion:], Version)

	binary.LittleEndian.PutUint64(buf[offEntry:], params.Entry)
	binary.LittleEndian.PutUint64(buf[offStackTop:], params.StackTop)

	if len(params.Cmdline) > 0 {
		binary.LittleEndian.PutUint64(buf[offCmdlinePtr:], base+HeaderBytes)
		binary.LittleEndian.PutUint64(buf[offCmdlineLen:], uint64(len(params.Cmdline)))
		copy(buf[HeaderBytes:], params.Cmdline)
	}

	var flags uint32
	if fb := params.Framebuffer; fb != nil {
		flags |= FlagFramebuffer
		binary.LittleEndian.PutUint64(buf[offFBBase:], fb.Base)
		binary.LittleEndian.PutUint64(buf[offFBBytes:], fb.Size)
		binary.LittleEndian.PutUint32(buf[offFBWidth:], fb.Width)
		binary.LittleEndian.PutUint32(buf[offFBHeight:], fb.Height)
		binary.LittleEndian.PutUint32(buf[offFBStride:], fb.Stride)
		binary.LittleEndian.PutUint32(buf[offFBFormat:], uint32(fb.Format))
	}
	if params.RSDP != 0 {
		flags |= FlagRSDP
		binary.LittleEndian.PutUint64(buf[offRSDP:], params.RSDP)
	}
	if params.RuntimeServices != 0 {
		flags |= FlagRuntime
		binary.LittleEndian.PutUint64(buf[offRuntime:], params.RuntimeServices)
	}
	binary.LittleEndian.PutUint32(buf[offFlags:], flags)

	if _, err := mem.WriteAt(buf, int64(base)); err != nil {
		return nil, fmt.Errorf("write boot info block at %#x: %w", base, err)
	}

	return &Table{
		mem:      mem,
		base:     base,
		capacity: capacity,
		buf:      buf,
		mapOff:   mapOff,
	}, nil
}

// Base returns the physical address of the block.
func (t *Table) Base() uint64 { return t.base }

// Size returns the complete block size, zero before SetMemoryMap.
func (t *Table) Size() uint64 {
	if !t.mapSet {
		return 0
	}
	return uint64(len(t.buf))
}

// SetMemoryMap copies the map into the block, fills the map section
// fields, and completes the block with its size and checksum. It performs
// no allocation beyond the block itself, so calling it between the map
// fetch and ExitBootServices cannot invalidate the key.
func (t *Table) SetMemoryMap(m *efi.MemoryMap) error {
	total := t.mapOff + uint64(len(m.Raw))
	if total > t.capacity {
		return fmt.Errorf("%d byte map overflows %d byte block: %w", len(m.Raw), t.capacity, ErrNoSpace)
	}

	t.buf = append(t.buf[:t.mapOff], m.Raw...)
	binary.LittleEndian.PutUint64(t.buf[offMapPtr:], t.base+t.mapOff)
	binary.LittleEndian.PutUint64(t.buf[offMapBytes:], uint64(len(m.Raw)))
	binary.LittleEndian.PutUint64(t.buf[offMapDescSize:], m.DescriptorSize)
	binary.LittleEndian.PutUint32(t.buf[offMapDescVer:], m.DescriptorVersion)
	binary.LittleEndian.PutUint32(t.buf[offMapCount:], uint32(m.EntryCount()))

	binary.LittleEndian.PutUint32(t.buf[offSize:], uint32(total))
	t.buf[offChecksum] = 0
	t.buf[offChecksum] = checksum(t.buf)

	if _, err := t.mem.WriteAt(t.buf, int64(t.base)); err != nil {
		return fmt.Errorf("write boot info block at %#x: %w", t.base, err)
	}
	t.mapSet = true
	return nil
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}
