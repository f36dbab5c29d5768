// Package plan decides where everything lands in physical memory: kernel
// segments, page-table frames, the boot info block and the kernel stack.
// Decisions are made against one memory map snapshot and then pinned with
// the firmware allocator, so nothing can move underneath us afterwards.
package plan

import (
	"errors"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/elf64"
)

var ErrNoSuitableRegion = errors.New("no suitable region")

const (
	pageSize = 0x1000
	twoMiB   = 0x200000

	stackGuardBytes = 0x1000
)

// Options parameterise placement.
type Options struct {
	// BootInfoBytes sizes the boot info reservation. It must cover the
	// fixed table, the command line and the final memory map with slack.
	// Default: 16 KiB.
	BootInfoBytes uint64
	// StackBytes sizes the kernel stack, not counting the guard page.
	// Default: 64 KiB.
	StackBytes uint64
	// IdentityGiB controls how much low memory the address space will
	// identity map; the planner only uses it to budget page-table
	// frames. Default: 4.
	IdentityGiB int
	// MinAddress is the placement floor. Legacy and ISA memory below
	// 1 MiB is never used. Default: 1 MiB.
	MinAddress uint64
}

func (o Options) withDefaults() Options {
	if o.BootInfoBytes == 0 {
		o.BootInfoBytes = 16 * 1024
	}
	if o.StackBytes == 0 {
		o.StackBytes = 64 * 1024
	}
	if o.IdentityGiB == 0 {
		o.IdentityGiB = 4
	}
	if o.MinAddress == 0 {
		o.MinAddress = 0x100000
	}
	return o
}

type Purpose int

const (
	PurposeKernel Purpose = iota
	PurposePageTables
	PurposeBootInfo
	PurposeStack
)

func (p Purpose) String() string {
	switch p {
	case PurposeKernel:
		return "kernel"
	case PurposePageTables:
		return "page-tables"
	case PurposeBootInfo:
		return "boot-info"
	case PurposeStack:
		return "stack"
	default:
		return fmt.Sprintf("purpose-%d", int(p))
	}
}

// Reservation is one physical range the plan claims. Once materialized it
// is never freed; ownership passes to the kernel at handoff.
type Reservation struct {
	Base    uint64
	Pages   uint64
	Purpose Purpose
}

func (r Reservation) End() uint64 { return r.Base + r.Pages*pageSize }

// Mapping is one virtual range the address space must map, with the
// segment's permission flags.
type Mapping struct {
	Virt  uint64
	Phys  uint64
	Pages uint64
	Flags uint32
}

// Plan holds every placement decision for one boot.
type Plan struct {
	// Entry is the virtual address to jump to once the address space is
	// active. For relocatable images the slide is already applied.
	Entry uint64
	// Slide is the relocation offset applied to a relocatable image,
	// zero for position-dependent ones.
	Slide uint64

	// SegmentBases are the physical write targets, parallel to the
	// image's segments.
	SegmentBases []uint64
	// Mappings are the page-granular virtual mappings the segments need.
	Mappings []Mapping

	Kernel     []Reservation
	PageTables Reservation
	BootInfo   Reservation
	Stack      Reservation

	// StackTop is the initial stack pointer, 16-byte aligned, at the top
	// of the stack reservation. The lowest page of the reservation is a
	// guard; the usable stack sits above it.
	StackTop uint64

	IdentityGiB int
}

// Reservations returns every range the plan claims, kernel first.
func (p *Plan) Reservations() []Reservation {
	out := append([]Reservation(nil), p.Kernel...)
	return append(out, p.PageTables, p.BootInfo, p.Stack)
}

// New computes placements for img against the memory map snapshot m.
func New(img *elf64.Image, m *efi.MemoryMap, opts Options) (*Plan, error) {
	opts = opts.withDefaults()

	free := freeRegions(m, opts.MinAddress)
	if len(free.spans) == 0 {
		return nil, fmt.Errorf("memory map has no conventional memory above %#x: %w", opts.MinAddress, ErrNoSuitableRegion)
	}

	p := &Plan{IdentityGiB: opts.IdentityGiB}

	if err := p.placeSegments(img, free); err != nil {
		return nil, err
	}

	ptPages := EstimatePageTablePages(img, opts.IdentityGiB)
	base, ok := free.takeAnywhere(ptPages*pageSize, pageSize)
	if !ok {
		return nil, fmt.Errorf("no room for %d page-table frames: %w", ptPages, ErrNoSuitableRegion)
	}
	p.PageTables = Reservation{Base: base, Pages: ptPages, Purpose: PurposePageTables}

	infoPages := pagesFor(opts.BootInfoBytes)
	base, ok = free.takeAnywhere(infoPages*pageSize, pageSize)
	if !ok {
		return nil, fmt.Errorf("no room for %d boot-info pages: %w", infoPages, ErrNoSuitableRegion)
	}
	p.BootInfo = Reservation{Base: base, Pages: infoPages, Purpose: PurposeBootInfo}

	stackPages := pagesFor(opts.StackBytes) + stackGuardBytes/pageSize
	base, ok = free.takeAnywhere(stackPages*pageSize, pageSize)
	if !ok {
		return nil, fmt.Errorf("no room for %d stack pages: %w", stackPages, ErrNoSuitableRegion)
	}
	p.Stack = Reservation{Base: base, Pages: stackPages, Purpose: PurposeStack}
	p.StackTop = alignDown(p.Stack.End(), 16)

	return p, nil
}

func (p *Plan) placeSegments(img *elf64.Image, free *freeList) error {
	if img.Relocatable {
		return p.placeRelocatable(img, free)
	}

	for i, seg := range img.Segments {
		start := alignDown(seg.Paddr, pageSize)
		end := alignUp(seg.Paddr+seg.Memsz, pageSize)
		if !free.take(start, end-start) {
			return fmt.Errorf("segment %d load range [%#x, %#x) outside free RAM: %w", i, start, end, ErrNoSuitableRegion)
		}
		p.SegmentBases = append(p.SegmentBases, seg.Paddr)
		p.Kernel = append(p.Kernel, Reservation{Base: start, Pages: (end - start) / pageSize, Purpose: PurposeKernel})
		p.Mappings = append(p.Mappings, Mapping{
			Virt:  alignDown(seg.Vaddr, pageSize),
			Phys:  start,
			Pages: (end - start) / pageSize,
			Flags: seg.Flags,
		})
	}

	p.Entry = img.Entry
	return nil
}

func (p *Plan) placeRelocatable(img *elf64.Image, free *freeList) error {
	spanBase, spanSize := img.Span()

	align := img.MaxAlign()
	if align < twoMiB {
		align = twoMiB
	}

	size := alignUp(spanSize, pageSize)
	block, ok := free.takeAnywhere(size, align)
	if !ok {
		return fmt.Errorf("no %#x byte block aligned to %#x for relocatable image: %w", size, align, ErrNoSuitableRegion)
	}

	p.Slide = block - spanBase
	p.Kernel = []Reservation{{Base: block, Pages: size / pageSize, Purpose: PurposeKernel}}

	for _, seg := range img.Segments {
		phys := seg.Vaddr + p.Slide
		p.SegmentBases = append(p.SegmentBases, phys)
		p.Mappings = append(p.Mappings, Mapping{
			Virt:  alignDown(phys, pageSize),
			Phys:  alignDown(phys, pageSize),
			Pages: (alignUp(phys+seg.Memsz, pageSize) - alignDown(phys, pageSize)) / pageSize,
			Flags: seg.Flags,
		})
	}

	p.Entry = img.Entry + p.Slide
	return nil
}

// Materialize pins every planned range with the firmware allocator. On
// failure everything already pinned is released so a replan starts clean.
func (p *Plan) Materialize(boot efi.BootServices) error {
	var done []Reservation
	for _, r := range p.Reservations() {
		if err := boot.AllocatePagesAt(r.Base, efi.LoaderData, r.Pages); err != nil {
			for _, d := range done {
				_ = boot.FreePages(d.Base, d.Pages)
			}
			return fmt.Errorf("pin %s at %#x (+%d pages): %w", r.Purpose, r.Base, r.Pages, err)
		}
		done = append(done, r)
	}
	return nil
}

// Prepare snapshots the memory map, computes a plan and pins it. If the
// firmware grabbed one of the chosen ranges in between, it refetches and
// replans exactly once.
func Prepare(img *elf64.Image, boot efi.BootServices, opts Options) (*Plan, *efi.MemoryMap, error) {
	m, err := boot.MemoryMap()
	if err != nil {
		return nil, nil, fmt.Errorf("fetch memory map: %w", err)
	}

	p, err := New(img, m, opts)
	if err != nil {
		return nil, nil, err
	}

	if err := p.Materialize(boot); err == nil {
		return p, m, nil
	} else if !errors.Is(err, efi.ErrNotFound) {
		return nil, nil, err
	}

	m, err = boot.MemoryMap()
	if err != nil {
		return nil, nil, fmt.Errorf("refetch memory map: %w", err)
	}
	p, err = New(img, m, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Materialize(boot); err != nil {
		return nil, nil, fmt.Errorf("replan: %w", err)
	}
	return p, m, nil
}

// freeList tracks the unclaimed parts of conventional memory during
// planning, lowest address first.
type freeList struct {
	spans []span
}

type span struct {
	base, end uint64
}

func freeRegions(m *efi.MemoryMap, minAddr uint64) *freeList {
	var f freeList

	for _, d := range m.Descriptors {
		if d.Type != efi.ConventionalMemory {
			continue
		}
		base, end := d.PhysicalStart, d.End()
		if base < minAddr {
			base = minAddr
		}
		if end <= base {
			continue
		}

		// Descriptors arrive sorted; coalesce with the previous span
		// when contiguous so split map entries behave like one region.
		if n := len(f.spans); n > 0 && f.spans[n-1].end == base {
			f.spans[n-1].end = end
			continue
		}
		f.spans = append(f.spans, span{base: base, end: end})
	}

	return &f
}

// take claims the exact range [base, base+size) if it is free.
func (f *freeList) take(base, size uint64) bool {
	end := base + size
	for i, s := range f.spans {
		if base < s.base || end > s.end {
			continue
		}

		var out []span
		out = append(out, f.spans[:i]...)
		if base > s.base {
			out = append(out, span{base: s.base, end: base})
		}
		if end < s.end {
			out = append(out, span{base: end, end: s.end})
		}
		out = append(out, f.spans[i+1:]...)
		f.spans = out
		return true
	}
	return false
}

// takeAnywhere claims the lowest-addressed aligned range of the given size.
func (f *freeList) takeAnywhere(size, align uint64) (uint64, bool) {
	for _, s := range f.spans {
		base := alignUp(s.base, align)
		if base+size > s.end {
			continue
		}
		if !f.take(base, size) {
			continue
		}
		return base, true
	}
	return 0, false
}

// EstimatePageTablePages returns a conservative frame budget for mapping
// the image plus the identity range: one table per started 2 MiB of
// segment, directory overhead per segment, and one page directory per
// identity-mapped GiB.
func EstimatePageTablePages(img *elf64.Image, identityGiB int) uint64 {
	n := uint64(2 + identityGiB)
	for _, seg := range img.Segments {
		start := alignDown(seg.Vaddr, twoMiB)
		end := alignUp(seg.End(), twoMiB)
		n += (end-start)/twoMiB + 3
	}
	return n + 4
}

func pagesFor(bytes uint64) uint64 {
	return alignUp(bytes, pageSize) / pageSize
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
