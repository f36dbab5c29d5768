// Package elf64test builds small ELF64 executables in memory for tests.
// Images are structurally real: proper header, program header table and
// segment data at offsets congruent to their virtual addresses.
package elf64test

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	headerBytes    = 64
	progEntryBytes = 56
	pageSize       = 4096

	typeExec = 2
	typeDyn  = 3

	// p_flags bits, kept local so the package under test can import
	// these fixtures from its own tests.
	flagExec  = 0x1
	flagWrite = 0x2
	flagRead  = 0x4
)

// Segment describes one PT_LOAD entry to synthesize. A zero Paddr is
// written as zero, which parsers default to Vaddr. Memsz defaults to
// len(Data) rounded up to a page.
type Segment struct {
	Vaddr uint64
	Paddr uint64
	Memsz uint64
	Flags uint32
	Data  []byte
}

// Exec builds a position-dependent (ET_EXEC) image.
func Exec(tb testing.TB, entry uint64, segs []Segment) []byte {
	tb.Helper()
	return build(tb, typeExec, entry, segs)
}

// Dyn builds a relocatable (ET_DYN) image.
func Dyn(tb testing.TB, entry uint64, segs []Segment) []byte {
	tb.Helper()
	return build(tb, typeDyn, entry, segs)
}

// Kernel is a small position-dependent kernel linked at 4 MiB: text,
// rodata and data+bss segments with distinct permissions, entry at the
// start of text.
func Kernel(tb testing.TB) []byte {
	tb.Helper()
	return Exec(tb, 0x400000, []Segment{
		{Vaddr: 0x400000, Memsz: 0x1000, Flags: flagRead | flagExec, Data: []byte{0xfa, 0xf4, 0xeb, 0xfd}},
		{Vaddr: 0x401000, Memsz: 0x1000, Flags: flagRead, Data: []byte("version 1")},
		{Vaddr: 0x402000, Memsz: 0x3000, Flags: flagRead | flagWrite, Data: []byte("state")},
	})
}

// HigherHalf is a kernel linked in the canonical negative range with
// physical load addresses at 4 MiB.
func HigherHalf(tb testing.TB) []byte {
	tb.Helper()
	const virt = 0xffffffff80000000
	return Exec(tb, virt+0x400000, []Segment{
		{Vaddr: virt + 0x400000, Paddr: 0x400000, Memsz: 0x1000, Flags: flagRead | flagExec, Data: []byte{0xfa, 0xf4, 0xeb, 0xfd}},
		{Vaddr: virt + 0x401000, Paddr: 0x401000, Memsz: 0x2000, Flags: flagRead | flagWrite, Data: []byte("state")},
	})
}

// Relocatable is a position-independent kernel with a zero-based span.
func Relocatable(tb testing.TB) []byte {
	tb.Helper()
	return Dyn(tb, 0x1000, []Segment{
		{Vaddr: 0x1000, Memsz: 0x1000, Flags: flagRead | flagExec, Data: []byte{0xfa, 0xf4, 0xeb, 0xfd}},
		{Vaddr: 0x2000, Memsz: 0x1000, Flags: flagRead | flagWrite, Data: []byte("state")},
	})
}

func build(tb testing.TB, typ uint16, entry uint64, segs []Segment) []byte {
	tb.Helper()

	var buf bytes.Buffer

	header := make([]byte, headerBytes)
	header[0], header[1], header[2], header[3] = 0x7f, 'E', 'L', 'F'
	header[4] = 2 // ELFCLASS64
	header[5] = 1 // ELFDATA2LSB
	header[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(header[16:], typ)
	binary.LittleEndian.PutUint16(header[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint64(header[24:], entry)
	binary.LittleEndian.PutUint64(header[32:], headerBytes)
	binary.LittleEndian.PutUint16(header[54:], progEntryBytes)
	binary.LittleEndian.PutUint16(header[56:], uint16(len(segs)))
	buf.Write(header)

	buf.Write(make([]byte, progEntryBytes*len(segs)))

	offsets := make([]uint64, len(segs))
	for i, seg := range segs {
		off := uint64(buf.Len())
		want := seg.Vaddr % pageSize
		if off%pageSize != want {
			pad := (want + pageSize - off%pageSize) % pageSize
			buf.Write(make([]byte, pad))
			off = uint64(buf.Len())
		}
		offsets[i] = off
		buf.Write(seg.Data)
	}

	out := buf.Bytes()
	for i, seg := range segs {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = (uint64(len(seg.Data)) + pageSize - 1) &^ (pageSize - 1)
		}
		ph := out[headerBytes+i*progEntryBytes:]
		binary.LittleEndian.PutUint32(ph[0:], 1) // PT_LOAD
		binary.LittleEndian.PutUint32(ph[4:], seg.Flags)
		binary.LittleEndian.PutUint64(ph[8:], offsets[i])
		binary.LittleEndian.PutUint64(ph[16:], seg.Vaddr)
		binary.LittleEndian.PutUint64(ph[24:], seg.Paddr)
		binary.LittleEndian.PutUint64(ph[32:], uint64(len(seg.Data)))
		binary.LittleEndian.PutUint64(ph[40:], memsz)
		binary.LittleEndian.PutUint64(ph[48:], pageSize)
	}

	return out
}
