// Package elf64 parses 64-bit little-endian ELF executables without
// trusting a single byte of them. The kernel image comes off removable
// media, so every offset and size is checked against the buffer before it
// is used and declared sizes are checked for overflow.
package elf64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrMalformed       = errors.New("malformed image")
	ErrUnsupportedArch = errors.New("unsupported architecture")
	ErrTruncated       = errors.New("truncated image")
)

const (
	headerBytes    = 64
	progEntryBytes = 56

	pageSize = 4096
)

// ELF header field offsets.
const (
	identClass   = 4
	identData    = 5
	identVersion = 6

	headerType      = 16
	headerMachine   = 18
	headerVersion   = 20
	headerEntry     = 24
	headerPhoff     = 32
	headerPhentsize = 54
	headerPhnum     = 56
)

// Program header field offsets.
const (
	progType   = 0
	progFlags  = 4
	progOffset = 8
	progVaddr  = 16
	progPaddr  = 24
	progFilesz = 32
	progMemsz  = 40
	progAlign  = 48
)

const (
	elfClass64    = 2
	elfDataLSB    = 1
	elfVersion    = 1
	elfTypeExec   = 2
	elfTypeDyn    = 3
	elfMachineX64 = 62

	progTypeLoad = 1
)

// Segment permission flags, straight from p_flags.
const (
	FlagExec  = 0x1
	FlagWrite = 0x2
	FlagRead  = 0x4
)

// Segment is one PT_LOAD entry after normalization: Paddr defaulted from
// Vaddr, empty segments dropped, sorted by Vaddr.
type Segment struct {
	Vaddr  uint64
	Paddr  uint64
	Off    uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
	Flags  uint32
}

func (s Segment) Executable() bool { return s.Flags&FlagExec != 0 }
func (s Segment) Writable() bool   { return s.Flags&FlagWrite != 0 }

// End returns the first virtual address past the segment.
func (s Segment) End() uint64 { return s.Vaddr + s.Memsz }

// Perms renders the flags in ls -l order for diagnostics.
func (s Segment) Perms() string {
	b := []byte("---")
	if s.Flags&FlagRead != 0 {
		b[0] = 'r'
	}
	if s.Flags&FlagWrite != 0 {
		b[1] = 'w'
	}
	if s.Flags&FlagExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Image is the parsed, validated view of a kernel executable. It keeps a
// reference to the raw bytes for segment loading; nothing here is modified
// after Parse returns.
type Image struct {
	Entry       uint64
	Relocatable bool
	Segments    []Segment

	data []byte
}

// Parse validates data as an x86-64 ELF executable and returns its loadable
// view. The buffer is not copied and must stay alive as long as the image.
func Parse(data []byte) (*Image, error) {
	if len(data) < headerBytes {
		return nil, fmt.Errorf("image smaller than ELF header (%d bytes): %w", len(data), ErrTruncated)
	}

	if data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, fmt.Errorf("missing ELF magic: %w", ErrMalformed)
	}
	if data[identClass] != elfClass64 {
		return nil, fmt.Errorf("ELF class %d (want 64-bit): %w", data[identClass], ErrUnsupportedArch)
	}
	if data[identData] != elfDataLSB {
		return nil, fmt.Errorf("ELF data encoding %d (want little-endian): %w", data[identData], ErrUnsupportedArch)
	}
	if data[identVersion] != elfVersion {
		return nil, fmt.Errorf("ELF ident version %d: %w", data[identVersion], ErrMalformed)
	}

	machine := binary.LittleEndian.Uint16(data[headerMachine:])
	if machine != elfMachineX64 {
		return nil, fmt.Errorf("ELF machine %d (want x86_64): %w", machine, ErrUnsupportedArch)
	}
	if v := binary.LittleEndian.Uint32(data[headerVersion:]); v != elfVersion {
		return nil, fmt.Errorf("ELF version %d: %w", v, ErrMalformed)
	}

	typ := binary.LittleEndian.Uint16(data[headerType:])
	if typ != elfTypeExec && typ != elfTypeDyn {
		return nil, fmt.Errorf("ELF type %d is not executable: %w", typ, ErrMalformed)
	}

	phoff := binary.LittleEndian.Uint64(data[headerPhoff:])
	phentsize := binary.LittleEndian.Uint16(data[headerPhentsize:])
	phnum := binary.LittleEndian.Uint16(data[headerPhnum:])

	if phnum == 0 {
		return nil, fmt.Errorf("no program headers: %w", ErrMalformed)
	}
	if phentsize != progEntryBytes {
		return nil, fmt.Errorf("program header entry size %d (want %d): %w", phentsize, progEntryBytes, ErrMalformed)
	}

	tableBytes := uint64(phnum) * uint64(phentsize)
	if phoff > uint64(len(data)) || tableBytes > uint64(len(data))-phoff {
		return nil, fmt.Errorf("program header table [%#x, +%#x) extends past end of image: %w", phoff, tableBytes, ErrTruncated)
	}

	img := &Image{
		Entry:       binary.LittleEndian.Uint64(data[headerEntry:]),
		Relocatable: typ == elfTypeDyn,
		data:        data,
	}

	for i := 0; i < int(phnum); i++ {
		ph := data[phoff+uint64(i)*progEntryBytes:]

		if binary.LittleEndian.Uint32(ph[progType:]) != progTypeLoad {
			continue
		}

		seg := Segment{
			Flags:  binary.LittleEndian.Uint32(ph[progFlags:]),
			Off:    binary.LittleEndian.Uint64(ph[progOffset:]),
			Vaddr:  binary.LittleEndian.Uint64(ph[progVaddr:]),
			Paddr:  binary.LittleEndian.Uint64(ph[progPaddr:]),
			Filesz: binary.LittleEndian.Uint64(ph[progFilesz:]),
			Memsz:  binary.LittleEndian.Uint64(ph[progMemsz:]),
			Align:  binary.LittleEndian.Uint64(ph[progAlign:]),
		}

		if seg.Memsz == 0 {
			continue
		}
		if seg.Filesz > seg.Memsz {
			return nil, fmt.Errorf("segment %d file size %#x exceeds mem size %#x: %w", i, seg.Filesz, seg.Memsz, ErrMalformed)
		}
		if seg.Off > uint64(len(data)) || seg.Filesz > uint64(len(data))-seg.Off {
			return nil, fmt.Errorf("segment %d file range [%#x, +%#x) extends past end of image: %w", i, seg.Off, seg.Filesz, ErrTruncated)
		}
		if seg.Memsz > math.MaxUint64-seg.Vaddr {
			return nil, fmt.Errorf("segment %d wraps the address space at %#x: %w", i, seg.Vaddr, ErrMalformed)
		}
		if seg.Align > 1 && (seg.Vaddr-seg.Off)%pageSize != 0 {
			return nil, fmt.Errorf("segment %d vaddr %#x and offset %#x disagree modulo page size: %w", i, seg.Vaddr, seg.Off, ErrMalformed)
		}
		if seg.Paddr == 0 {
			seg.Paddr = seg.Vaddr
		}
		if seg.Memsz > math.MaxUint64-seg.Paddr {
			return nil, fmt.Errorf("segment %d wraps physical memory at %#x: %w", i, seg.Paddr, ErrMalformed)
		}
		if seg.Paddr%pageSize != seg.Vaddr%pageSize {
			return nil, fmt.Errorf("segment %d vaddr %#x and paddr %#x disagree modulo page size: %w", i, seg.Vaddr, seg.Paddr, ErrMalformed)
		}

		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments: %w", ErrMalformed)
	}

	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].Vaddr < img.Segments[j].Vaddr
	})

	for i := 1; i < len(img.Segments); i++ {
		prev, cur := img.Segments[i-1], img.Segments[i]
		if pageEnd(prev.Vaddr+prev.Memsz) > pageStart(cur.Vaddr) {
			return nil, fmt.Errorf("segments at %#x and %#x overlap: %w", prev.Vaddr, cur.Vaddr, ErrMalformed)
		}
	}

	if err := img.checkEntry(); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) checkEntry() error {
	if img.Entry == 0 {
		return fmt.Errorf("entry point is zero: %w", ErrMalformed)
	}
	for _, seg := range img.Segments {
		if !seg.Executable() {
			continue
		}
		if img.Entry >= seg.Vaddr && img.Entry < seg.End() {
			return nil
		}
	}
	return fmt.Errorf("entry %#x outside any executable segment: %w", img.Entry, ErrMalformed)
}

// Span returns the lowest virtual address and the size of the hull covering
// every segment.
func (img *Image) Span() (base, size uint64) {
	base = img.Segments[0].Vaddr
	end := base
	for _, seg := range img.Segments {
		if seg.End() > end {
			end = seg.End()
		}
	}
	return base, end - base
}

// MaxAlign returns the strictest segment alignment, at least one page.
func (img *Image) MaxAlign() uint64 {
	align := uint64(pageSize)
	for _, seg := range img.Segments {
		if seg.Align > align {
			align = seg.Align
		}
	}
	return align
}

func pageStart(addr uint64) uint64 { return addr &^ (pageSize - 1) }

func pageEnd(addr uint64) uint64 { return (addr + pageSize - 1) &^ (pageSize - 1) }
