// Package paging builds the 4-level x86-64 page tables the kernel starts
// on. Tables are written through physical memory into a pre-reserved frame
// pool; running out of frames is fatal rather than silently growing into
// memory nobody reserved.
//
// Exact segment mappings must be installed before the identity range:
// identity mapping fills around any page directory the segments already
// split, so segment permissions always win.
package paging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/elf64"
)

var (
	ErrOutOfFrames = errors.New("out of page-table frames")
	ErrConflict    = errors.New("conflicting mapping")
	ErrNotMapped   = errors.New("not mapped")
)

const (
	pageSize   = 0x1000
	twoMiB     = 0x200000
	tableCount = 512

	addrMask = 0x000ffffffffff000
)

// Entry flag bits.
const (
	p  = 1 << 0 // present
	rw = 1 << 1 // writable
	us = 1 << 2 // user
	ps = 1 << 7 // page-size (2MiB when set in PDE)

	nx = uint64(1) << 63 // no-execute
)

// Perm is the permission set for a leaf mapping. Pages are always
// supervisor-only and readable.
type Perm uint8

const (
	PermWrite Perm = 1 << iota
	PermExec
)

// ELFPerm converts segment p_flags into mapping permissions.
func ELFPerm(flags uint32) Perm {
	var perm Perm
	if flags&elf64.FlagWrite != 0 {
		perm |= PermWrite
	}
	if flags&elf64.FlagExec != 0 {
		perm |= PermExec
	}
	return perm
}

func (pm Perm) leafBits() uint64 {
	bits := uint64(p)
	if pm&PermWrite != 0 {
		bits |= rw
	}
	if pm&PermExec == 0 {
		bits |= nx
	}
	return bits
}

// AddressSpace is a page-table hierarchy under construction. Frames come
// from a bump allocator over the planner's reservation.
type AddressSpace struct {
	mem efi.PhysicalMemory

	poolBase  uint64
	poolPages uint64
	used      uint64

	root uint64
}

// New claims the first frame of the pool for the root table.
func New(mem efi.PhysicalMemory, poolBase, poolPages uint64) (*AddressSpace, error) {
	if poolBase%pageSize != 0 {
		return nil, fmt.Errorf("frame pool base %#x not page aligned", poolBase)
	}
	as := &AddressSpace{mem: mem, poolBase: poolBase, poolPages: poolPages}

	root, err := as.allocFrame()
	if err != nil {
		return nil, err
	}
	as.root = root
	return as, nil
}

// Root returns the physical address of the top-level table, the value that
// goes into CR3.
func (as *AddressSpace) Root() uint64 { return as.root }

// FramesUsed reports how much of the pool the build consumed.
func (as *AddressSpace) FramesUsed() uint64 { return as.used }

func (as *AddressSpace) allocFrame() (uint64, error) {
	if as.used == as.poolPages {
		return 0, fmt.Errorf("frame pool [%#x, +%d pages) exhausted: %w", as.poolBase, as.poolPages, ErrOutOfFrames)
	}
	frame := as.poolBase + as.used*pageSize
	as.used++

	if _, err := as.mem.WriteAt(make([]byte, pageSize), int64(frame)); err != nil {
		return 0, fmt.Errorf("zero page-table frame %#x: %w", frame, err)
	}
	return frame, nil
}

func (as *AddressSpace) readEntry(table uint64, idx int) (uint64, error) {
	var b [8]byte
	if _, err := as.mem.ReadAt(b[:], int64(table)+int64(idx)*8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (as *AddressSpace) writeEntry(table uint64, idx int, val uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	_, err := as.mem.WriteAt(b[:], int64(table)+int64(idx)*8)
	return err
}

// ensureTable returns the table the entry points at, creating it when the
// entry is empty. Intermediate entries stay writable and executable; the
// leaf decides the effective permissions.
func (as *AddressSpace) ensureTable(table uint64, idx int) (uint64, error) {
	e, err := as.readEntry(table, idx)
	if err != nil {
		return 0, err
	}
	if e&p != 0 {
		if e&ps != 0 {
			return 0, fmt.Errorf("entry %d of table %#x is a large page: %w", idx, table, ErrConflict)
		}
		return e & addrMask, nil
	}

	next, err := as.allocFrame()
	if err != nil {
		return 0, err
	}
	if err := as.writeEntry(table, idx, next|p|rw); err != nil {
		return 0, err
	}
	return next, nil
}

func tableIndices(virt uint64) (int, int, int, int) {
	return int(virt >> 39 & 0x1ff),
		int(virt >> 30 & 0x1ff),
		int(virt >> 21 & 0x1ff),
		int(virt >> 12 & 0x1ff)
}

func canonical(virt uint64) bool {
	top := virt >> 47
	return top == 0 || top == 0x1ffff
}

// MapPage installs a single 4 KiB mapping. Mapping a page twice is an
// error regardless of target; loadable segments never legitimately share a
// page.
func (as *AddressSpace) MapPage(virt, phys uint64, perm Perm) error {
	if virt%pageSize != 0 || phys%pageSize != 0 {
		return fmt.Errorf("mapping %#x -> %#x not page aligned", virt, phys)
	}
	if !canonical(virt) {
		return fmt.Errorf("virtual address %#x not canonical", virt)
	}
	if phys >= 1<<52 {
		return fmt.Errorf("physical address %#x beyond architecture limit", phys)
	}

	i4, i3, i2, i1 := tableIndices(virt)

	pdpt, err := as.ensureTable(as.root, i4)
	if err != nil {
		return err
	}
	pd, err := as.ensureTable(pdpt, i3)
	if err != nil {
		return err
	}
	pt, err := as.ensureTable(pd, i2)
	if err != nil {
		return err
	}

	e, err := as.readEntry(pt, i1)
	if err != nil {
		return err
	}
	if e&p != 0 {
		return fmt.Errorf("virtual page %#x already maps %#x: %w", virt, e&addrMask, ErrConflict)
	}

	return as.writeEntry(pt, i1, phys|perm.leafBits())
}

// MapRange installs pages consecutive 4 KiB mappings.
func (as *AddressSpace) MapRange(virt, phys, pages uint64, perm Perm) error {
	for i := uint64(0); i < pages; i++ {
		if err := as.MapPage(virt+i*pageSize, phys+i*pageSize, perm); err != nil {
			return err
		}
	}
	return nil
}

// IdentityMapLow maps [0, gib GiB) onto itself, supervisor read/write/
// execute. Untouched directory slots get 2 MiB pages; directories already
// split by segment mappings are completed with 4 KiB pages around the
// slots the segments own.
func (as *AddressSpace) IdentityMapLow(gib int) error {
	if gib < 1 || gib > tableCount {
		return fmt.Errorf("identity range %d GiB out of range", gib)
	}

	pdpt, err := as.ensureTable(as.root, 0)
	if err != nil {
		return err
	}

	for g := 0; g < gib; g++ {
		pd, err := as.ensureTable(pdpt, g)
		if err != nil {
			return err
		}

		for i := 0; i < tableCount; i++ {
			chunk := uint64(g)<<30 | uint64(i)<<21

			e, err := as.readEntry(pd, i)
			if err != nil {
				return err
			}
			switch {
			case e&p == 0:
				if err := as.writeEntry(pd, i, chunk|p|rw|ps); err != nil {
					return err
				}
			case e&ps != 0:
				// Already a large page from an earlier call.
			default:
				if err := as.fillTable(e&addrMask, chunk); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// fillTable completes a split page table with identity mappings, skipping
// slots that segment mappings own.
func (as *AddressSpace) fillTable(pt, chunk uint64) error {
	for j := 0; j < tableCount; j++ {
		e, err := as.readEntry(pt, j)
		if err != nil {
			return err
		}
		if e&p != 0 {
			continue
		}
		if err := as.writeEntry(pt, j, (chunk+uint64(j)*pageSize)|p|rw); err != nil {
			return err
		}
	}
	return nil
}
