package elf64

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/eboot/eboot/internal/efi/efitest"
	"github.com/eboot/eboot/internal/elf64/elf64test"
)

func testKernel(t *testing.T) []byte {
	t.Helper()
	return elf64test.Exec(t, 0x401000, []elf64test.Segment{
		{Vaddr: 0x401000, Memsz: 0x1000, Flags: FlagRead | FlagExec, Data: []byte{0xf4, 0xeb, 0xfd}},
		{Vaddr: 0x403000, Memsz: 0x2000, Flags: FlagRead | FlagWrite, Data: []byte("data")},
	})
}

func TestParse(t *testing.T) {
	img, err := Parse(testKernel(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if img.Entry != 0x401000 {
		t.Errorf("entry = %#x, want 0x401000", img.Entry)
	}
	if img.Relocatable {
		t.Error("ET_EXEC image reported relocatable")
	}
	if len(img.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(img.Segments))
	}

	text, data := img.Segments[0], img.Segments[1]
	if !text.Executable() || text.Writable() {
		t.Errorf("text segment perms = %s, want r-x", text.Perms())
	}
	if data.Executable() || !data.Writable() {
		t.Errorf("data segment perms = %s, want rw-", data.Perms())
	}
	if text.Paddr != text.Vaddr {
		t.Errorf("paddr %#x did not default to vaddr %#x", text.Paddr, text.Vaddr)
	}

	base, size := img.Span()
	if base != 0x401000 || size != 0x4000 {
		t.Errorf("span = %#x+%#x, want 0x401000+0x4000", base, size)
	}
	if img.MaxAlign() != pageSize {
		t.Errorf("max align = %#x, want %#x", img.MaxAlign(), pageSize)
	}
}

func TestParseRelocatable(t *testing.T) {
	img, err := Parse(elf64test.Relocatable(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !img.Relocatable {
		t.Error("ET_DYN image not reported relocatable")
	}
}

func TestParseHigherHalf(t *testing.T) {
	img, err := Parse(elf64test.HigherHalf(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	text := img.Segments[0]
	if text.Paddr == text.Vaddr {
		t.Error("separate physical address collapsed into vaddr")
	}
	if text.Paddr != 0x400000 {
		t.Errorf("text paddr = %#x, want 0x400000", text.Paddr)
	}
}

func TestParseRejections(t *testing.T) {
	valid := testKernel(t)

	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	for _, tc := range []struct {
		name  string
		image []byte
		want  error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", valid[:32], ErrTruncated},
		{"bad magic", corrupt(func(b []byte) []byte { b[0] = 0; return b }), ErrMalformed},
		{"32-bit class", corrupt(func(b []byte) []byte { b[identClass] = 1; return b }), ErrUnsupportedArch},
		{"big endian", corrupt(func(b []byte) []byte { b[identData] = 2; return b }), ErrUnsupportedArch},
		{"wrong machine", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[headerMachine:], 183)
			return b
		}), ErrUnsupportedArch},
		{"relocatable object", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[headerType:], 1)
			return b
		}), ErrMalformed},
		{"no program headers", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[headerPhnum:], 0)
			return b
		}), ErrMalformed},
		{"table past end", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[headerPhoff:], uint64(len(b)))
			return b
		}), ErrTruncated},
		{"segment past end", valid[:len(valid)-2], ErrTruncated},
		{"filesz over memsz", corrupt(func(b []byte) []byte {
			ph := b[headerBytes:]
			binary.LittleEndian.PutUint64(ph[progFilesz:], 0x2000)
			return b
		}), ErrMalformed},
		{"incongruent paddr", corrupt(func(b []byte) []byte {
			ph := b[headerBytes:]
			binary.LittleEndian.PutUint64(ph[progPaddr:], 0x500123)
			return b
		}), ErrMalformed},
		{"zero entry", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[headerEntry:], 0)
			return b
		}), ErrMalformed},
		{"entry in data segment", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[headerEntry:], 0x403000)
			return b
		}), ErrMalformed},
		{"entry outside image", corrupt(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[headerEntry:], 0x900000)
			return b
		}), ErrMalformed},
	} {
		_, err := Parse(tc.image)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestParseRejectsOverlap(t *testing.T) {
	img := elf64test.Exec(t, 0x401000, []elf64test.Segment{
		{Vaddr: 0x401000, Memsz: 0x3000, Flags: FlagRead | FlagExec, Data: []byte{0xf4}},
		{Vaddr: 0x402000, Memsz: 0x1000, Flags: FlagRead | FlagWrite, Data: []byte("x")},
	})
	if _, err := Parse(img); !errors.Is(err, ErrMalformed) {
		t.Fatalf("overlapping segments: got %v, want %v", err, ErrMalformed)
	}
}

func TestLoadSegments(t *testing.T) {
	img, err := Parse(testKernel(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	mem := efitest.NewMemory(0x100000, 0x10000)

	// Dirty the target so the zeroing is observable.
	if _, err := mem.WriteAt(bytes.Repeat([]byte{0xaa}, 0x10000), 0x100000); err != nil {
		t.Fatalf("dirty memory: %v", err)
	}

	bases := []uint64{0x101000, 0x103000}
	if err := img.LoadSegments(mem, bases); err != nil {
		t.Fatalf("LoadSegments: %v", err)
	}

	text := make([]byte, 4)
	if _, err := mem.ReadAt(text, 0x101000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(text, []byte{0xf4, 0xeb, 0xfd, 0x00}) {
		t.Errorf("text = %x, want f4ebfd00", text)
	}

	// BSS beyond the file content must be zero.
	tail := make([]byte, 0x2000-4)
	if _, err := mem.ReadAt(tail, 0x103004); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range tail {
		if b != 0 {
			t.Fatalf("BSS byte %d = %#x, want 0", i, b)
		}
	}
}

func TestLoadSegmentsPlacementMismatch(t *testing.T) {
	img, err := Parse(testKernel(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	mem := efitest.NewMemory(0, 0x1000)
	if err := img.LoadSegments(mem, []uint64{0}); err == nil {
		t.Fatal("placement count mismatch accepted")
	}
}
