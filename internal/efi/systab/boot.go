//go:build tamago && amd64

package systab

import (
	"fmt"

	"github.com/eboot/eboot/internal/efi"
)

// bootCalls is the boot services view of a Table.
type bootCalls struct {
	t *Table
}

var _ efi.BootServices = bootCalls{}

func (b bootCalls) AllocatePages(mt efi.MemoryType, pages uint64) (uint64, error) {
	var addr uint64
	err := b.t.call(b.t.boot, allocatePages, allocateAnyPages, uint64(mt), pages, ptrval(&addr))
	if err != nil {
		return 0, fmt.Errorf("allocate %d pages: %w", pages, err)
	}
	return addr, nil
}

func (b bootCalls) AllocatePagesAt(addr uint64, mt efi.MemoryType, pages uint64) error {
	// The address is in/out; keep the caller's value intact.
	target := addr
	err := b.t.call(b.t.boot, allocatePages, allocateAddress, uint64(mt), pages, ptrval(&target))
	if err != nil {
		return fmt.Errorf("allocate %d pages at %#x: %w", pages, addr, err)
	}
	return nil
}

func (b bootCalls) FreePages(addr, pages uint64) error {
	if err := b.t.call(b.t.boot, freePages, addr, pages); err != nil {
		return fmt.Errorf("free %d pages at %#x: %w", pages, addr, err)
	}
	return nil
}

// MemoryMap fetches a snapshot of the firmware memory map. The buffer
// lives on the runtime heap, so fetching does not disturb the map key.
func (b bootCalls) MemoryMap() (*efi.MemoryMap, error) {
	var (
		size    uint64
		mapKey  uint64
		descSz  uint64
		descVer uint32
	)

	st := b.t.status(b.t.boot, getMemoryMap,
		ptrval(&size), 0, ptrval(&mapKey), ptrval(&descSz), ptrval(&descVer))
	if st != efi.StatusBufferTooSmall && st != efi.StatusSuccess {
		return nil, fmt.Errorf("size memory map: %w", st.Err())
	}

	for {
		size = efi.MapBufferSize(size, descSz)
		buf := make([]byte, size)

		st = b.t.status(b.t.boot, getMemoryMap,
			ptrval(&size), ptrval(&buf[0]), ptrval(&mapKey), ptrval(&descSz), ptrval(&descVer))
		if st == efi.StatusBufferTooSmall {
			// size now holds the firmware's new requirement.
			continue
		}
		if st != efi.StatusSuccess {
			return nil, fmt.Errorf("fetch memory map: %w", st.Err())
		}
		return efi.DecodeMemoryMap(buf[:size], descSz, descVer, mapKey)
	}
}

func (b bootCalls) ExitBootServices(mapKey uint64) error {
	st := b.t.status(b.t.boot, exitBootServices, b.t.image, mapKey)
	switch st {
	case efi.StatusSuccess:
		return nil
	case efi.StatusInvalidParameter:
		// The map moved since the key was fetched.
		return fmt.Errorf("map key %#x rejected: %w", mapKey, efi.ErrStaleMapKey)
	default:
		return st.Err()
	}
}

func (b bootCalls) SetWatchdogTimer(seconds uint64) error {
	if err := b.t.call(b.t.boot, setWatchdogTimer, seconds, 0, 0, 0); err != nil {
		return fmt.Errorf("watchdog timer: %w", err)
	}
	return nil
}
