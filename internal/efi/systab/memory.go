//go:build tamago && amd64

package systab

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/eboot/eboot/internal/efi"
)

// Memory addresses physical RAM directly. Boot services keep all of
// memory identity mapped, so a physical address is usable as is; that
// property survives ExitBootServices because the firmware's page tables
// stay installed until the stub loads its own.
type Memory struct{}

var (
	_ efi.PhysicalMemory = Memory{}
	_ efi.MemorySlicer   = Memory{}
)

func (Memory) Slice(addr, length uint64) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("slice [%#x, +%d): nil address", addr, length)
	}
	if length > math.MaxInt64 || addr+length < addr {
		return nil, fmt.Errorf("slice [%#x, +%d): range overflow", addr, length)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length), nil
}

func (m Memory) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (m Memory) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}
