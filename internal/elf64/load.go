package elf64

import (
	"fmt"
	"math"

	"github.com/eboot/eboot/internal/efi"
)

// LoadSegments copies each segment to its planned physical base, zeroing
// the full mem-size range first so BSS comes up clean. bases must line up
// with Segments.
func (img *Image) LoadSegments(mem efi.PhysicalMemory, bases []uint64) error {
	if len(bases) != len(img.Segments) {
		return fmt.Errorf("have %d placements for %d segments", len(bases), len(img.Segments))
	}

	for i, seg := range img.Segments {
		base := bases[i]
		if base > math.MaxInt64 || seg.Memsz > math.MaxInt64-base {
			return fmt.Errorf("segment %d at %#x out of host range", i, base)
		}
		if seg.Memsz > uint64(math.MaxInt) {
			return fmt.Errorf("segment %d mem size %#x exceeds host limits", i, seg.Memsz)
		}

		zero := make([]byte, int(seg.Memsz))
		if _, err := mem.WriteAt(zero, int64(base)); err != nil {
			return fmt.Errorf("zero segment %d memory: %w", i, err)
		}
		if seg.Filesz > 0 {
			data := img.data[seg.Off : seg.Off+seg.Filesz]
			if _, err := mem.WriteAt(data, int64(base)); err != nil {
				return fmt.Errorf("write segment %d data: %w", i, err)
			}
		}
	}

	return nil
}
