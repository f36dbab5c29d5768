package bootinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
)

// Info is a decoded boot info block.
type Info struct {
	Entry    uint64
	StackTop uint64
	Cmdline  string

	MapPtr      uint64
	MapBytes    uint64
	MapDescSize uint64
	MapDescVer  uint32
	MapCount    uint32

	Framebuffer     *efi.Framebuffer
	RSDP            uint64
	RuntimeServices uint64
}

// Decode validates and parses a sealed block. base is the physical address
// the block claims to live at; in-block pointers are resolved against it.
func Decode(b []byte, base uint64) (*Info, error) {
	if len(b) < HeaderBytes {
		return nil, fmt.Errorf("%d bytes, need at least %d: %w", len(b), HeaderBytes, ErrMalformed)
	}
	if string(b[offMagic:offMagic+4]) != Magic {
		return nil, fmt.Errorf("bad magic %q: %w", b[offMagic:offMagic+4], ErrMalformed)
	}
	if v := binary.LittleEndian.Uint16(b[offVersion:]); v != Version {
		return nil, fmt.Errorf("version %d, want %d: %w", v, Version, ErrMalformed)
	}
	size := uint64(binary.LittleEndian.Uint32(b[offSize:]))
	if size < HeaderBytes || size > uint64(len(b)) {
		return nil, fmt.Errorf("declared size %d outside buffer: %w", size, ErrMalformed)
	}
	if checksum(b[:size]) != 0 {
		return nil, fmt.Errorf("checksum mismatch: %w", ErrMalformed)
	}

	info := &Info{
		Entry:    binary.LittleEndian.Uint64(b[offEntry:]),
		StackTop: binary.LittleEndian.Uint64(b[offStackTop:]),

		MapPtr:      binary.LittleEndian.Uint64(b[offMapPtr:]),
		MapBytes:    binary.LittleEndian.Uint64(b[offMapBytes:]),
		MapDescSize: binary.LittleEndian.Uint64(b[offMapDescSize:]),
		MapDescVer:  binary.LittleEndian.Uint32(b[offMapDescVer:]),
		MapCount:    binary.LittleEndian.Uint32(b[offMapCount:]),
	}

	if ptr := binary.LittleEndian.Uint64(b[offCmdlinePtr:]); ptr != 0 {
		n := binary.LittleEndian.Uint64(b[offCmdlineLen:])
		off := ptr - base
		if ptr < base || off+n+1 > size {
			return nil, fmt.Errorf("command line [%#x, +%d) outside block: %w", ptr, n, ErrMalformed)
		}
		if b[off+n] != 0 {
			return nil, fmt.Errorf("command line not NUL terminated: %w", ErrMalformed)
		}
		info.Cmdline = string(b[off : off+n])
	}

	if info.MapPtr != 0 {
		off := info.MapPtr - base
		if info.MapPtr < base || off+info.MapBytes > size {
			return nil, fmt.Errorf("memory map [%#x, +%d) outside block: %w", info.MapPtr, info.MapBytes, ErrMalformed)
		}
	}

	flags := binary.LittleEndian.Uint32(b[offFlags:])
	if flags&FlagFramebuffer != 0 {
		info.Framebuffer = &efi.Framebuffer{
			Base:   binary.LittleEndian.Uint64(b[offFBBase:]),
			Size:   binary.LittleEndian.Uint64(b[offFBBytes:]),
			Width:  binary.LittleEndian.Uint32(b[offFBWidth:]),
			Height: binary.LittleEndian.Uint32(b[offFBHeight:]),
			Stride: binary.LittleEndian.Uint32(b[offFBStride:]),
			Format: efi.PixelFormat(binary.LittleEndian.Uint32(b[offFBFormat:])),
		}
	}
	if flags&FlagRSDP != 0 {
		info.RSDP = binary.LittleEndian.Uint64(b[offRSDP:])
	}
	if flags&FlagRuntime != 0 {
		info.RuntimeServices = binary.LittleEndian.Uint64(b[offRuntime:])
	}

	return info, nil
}

// ReadFrom decodes a sealed block out of physical memory.
func ReadFrom(mem efi.PhysicalMemory, base uint64) (*Info, error) {
	header := make([]byte, HeaderBytes)
	if _, err := mem.ReadAt(header, int64(base)); err != nil {
		return nil, fmt.Errorf("read boot info header at %#x: %w", base, err)
	}
	size := binary.LittleEndian.Uint32(header[offSize:])
	if size < HeaderBytes {
		return nil, fmt.Errorf("declared size %d: %w", size, ErrMalformed)
	}

	b := make([]byte, size)
	if _, err := mem.ReadAt(b, int64(base)); err != nil {
		return nil, fmt.Errorf("read boot info block at %#x: %w", base, err)
	}
	return Decode(b, base)
}
