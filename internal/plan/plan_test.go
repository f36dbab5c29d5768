package plan

import (
	"errors"
	"testing"

	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/efi/efitest"
	"github.com/eboot/eboot/internal/elf64"
	"github.com/eboot/eboot/internal/elf64/elf64test"
)

func parse(t *testing.T, image []byte) *elf64.Image {
	t.Helper()
	img, err := elf64.Parse(image)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return img
}

func snapshot(t *testing.T, fw *efitest.Firmware) *efi.MemoryMap {
	t.Helper()
	m, err := fw.Boot().MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	return m
}

func checkDisjoint(t *testing.T, p *Plan) {
	t.Helper()
	rs := p.Reservations()
	for i := 0; i < len(rs); i++ {
		for j := i + 1; j < len(rs); j++ {
			a, b := rs[i], rs[j]
			if a.Base < b.End() && b.Base < a.End() {
				t.Errorf("%s [%#x, %#x) overlaps %s [%#x, %#x)",
					a.Purpose, a.Base, a.End(), b.Purpose, b.Base, b.End())
			}
		}
	}
}

func TestNewPositionDependent(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.Kernel(t))

	p, err := New(img, snapshot(t, fw), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Entry != 0x400000 {
		t.Errorf("entry = %#x, want 0x400000", p.Entry)
	}
	if p.Slide != 0 {
		t.Errorf("slide = %#x, want 0", p.Slide)
	}
	for i, seg := range img.Segments {
		if p.SegmentBases[i] != seg.Paddr {
			t.Errorf("segment %d base = %#x, want %#x", i, p.SegmentBases[i], seg.Paddr)
		}
	}

	if p.StackTop%16 != 0 {
		t.Errorf("stack top %#x not 16-byte aligned", p.StackTop)
	}
	if p.StackTop != p.Stack.End() {
		t.Errorf("stack top = %#x, want reservation end %#x", p.StackTop, p.Stack.End())
	}
	if p.BootInfo.Pages < 4 {
		t.Errorf("boot info pages = %d, want at least 4", p.BootInfo.Pages)
	}

	checkDisjoint(t, p)

	// Nothing may be placed below the 1 MiB floor.
	for _, r := range p.Reservations() {
		if r.Base < 0x100000 {
			t.Errorf("%s placed at %#x, below 1 MiB", r.Purpose, r.Base)
		}
	}
}

func TestNewHigherHalf(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.HigherHalf(t))

	p, err := New(img, snapshot(t, fw), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if p.Entry != 0xffffffff80400000 {
		t.Errorf("entry = %#x, want the linked virtual entry", p.Entry)
	}
	for i, m := range p.Mappings {
		if m.Virt == m.Phys {
			t.Errorf("mapping %d is identity, want higher-half translation", i)
		}
		if m.Virt != img.Segments[i].Vaddr {
			t.Errorf("mapping %d virt = %#x, want %#x", i, m.Virt, img.Segments[i].Vaddr)
		}
	}
	if p.SegmentBases[0] != 0x400000 {
		t.Errorf("text base = %#x, want the declared paddr 0x400000", p.SegmentBases[0])
	}
}

func TestNewRelocatable(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.Relocatable(t))

	p, err := New(img, snapshot(t, fw), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(p.Kernel) != 1 {
		t.Fatalf("relocatable image got %d kernel reservations, want 1", len(p.Kernel))
	}
	block := p.Kernel[0]
	if block.Base%twoMiB != 0 {
		t.Errorf("block base %#x not 2 MiB aligned", block.Base)
	}
	if p.Slide == 0 {
		t.Error("relocatable image got zero slide")
	}
	if want := img.Entry + p.Slide; p.Entry != want {
		t.Errorf("entry = %#x, want %#x", p.Entry, want)
	}
	for i, m := range p.Mappings {
		if m.Virt != m.Phys {
			t.Errorf("mapping %d not identity under slide", i)
		}
		if m.Virt < block.Base || m.Virt+m.Pages*pageSize > block.End() {
			t.Errorf("mapping %d outside the reserved block", i)
		}
	}
	checkDisjoint(t, p)
}

func TestNewRejectsUnplaceableSegments(t *testing.T) {
	fw := efitest.New(efitest.Options{})

	// Linked into the ACPI reclaim region of the default layout.
	img := parse(t, elf64test.Exec(t, 0x4000000, []elf64test.Segment{
		{Vaddr: 0x4000000, Memsz: 0x1000, Flags: elf64.FlagRead | elf64.FlagExec, Data: []byte{0xf4}},
	}))

	_, err := New(img, snapshot(t, fw), Options{})
	if !errors.Is(err, ErrNoSuitableRegion) {
		t.Fatalf("got %v, want %v", err, ErrNoSuitableRegion)
	}

	// Linked below the placement floor.
	img = parse(t, elf64test.Exec(t, 0x50000, []elf64test.Segment{
		{Vaddr: 0x50000, Memsz: 0x1000, Flags: elf64.FlagRead | elf64.FlagExec, Data: []byte{0xf4}},
	}))
	_, err = New(img, snapshot(t, fw), Options{})
	if !errors.Is(err, ErrNoSuitableRegion) {
		t.Fatalf("got %v, want %v", err, ErrNoSuitableRegion)
	}
}

func TestMaterializePinsEveryReservation(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.Kernel(t))

	p, err := New(img, snapshot(t, fw), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Materialize(fw.Boot()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	outstanding := fw.Outstanding()
	for _, r := range p.Reservations() {
		var found bool
		for _, a := range outstanding {
			if a.Base == r.Base && a.Pages == r.Pages && a.Type == efi.LoaderData {
				found = true
			}
		}
		if !found {
			t.Errorf("%s at %#x not pinned with the firmware", r.Purpose, r.Base)
		}
	}
}

func TestMaterializeRollsBackOnFailure(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.Kernel(t))

	p, err := New(img, snapshot(t, fw), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Occupy the stack range behind the plan's back.
	if err := fw.Boot().AllocatePagesAt(p.Stack.Base, efi.BootServicesData, p.Stack.Pages); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	before := len(fw.Outstanding())

	if err := p.Materialize(fw.Boot()); !errors.Is(err, efi.ErrNotFound) {
		t.Fatalf("Materialize: got %v, want %v", err, efi.ErrNotFound)
	}
	if got := len(fw.Outstanding()); got != before {
		t.Errorf("outstanding allocations = %d after rollback, want %d", got, before)
	}
}

// racingBoot steals the page-table range between snapshot and pin,
// simulating firmware activity racing the planner. With a one-segment
// image the second pin is the page tables; the kernel range is left
// alone, since a position-dependent image could never route around that.
type racingBoot struct {
	efi.BootServices
	calls  int
	stolen uint64
}

func (r *racingBoot) AllocatePagesAt(addr uint64, mt efi.MemoryType, pages uint64) error {
	r.calls++
	if r.calls == 2 && r.stolen == 0 {
		r.stolen = addr
		if err := r.BootServices.AllocatePagesAt(addr, efi.BootServicesData, pages); err != nil {
			return err
		}
	}
	return r.BootServices.AllocatePagesAt(addr, mt, pages)
}

func TestPrepareReplansOnce(t *testing.T) {
	fw := efitest.New(efitest.Options{})
	img := parse(t, elf64test.Exec(t, 0x400000, []elf64test.Segment{
		{Vaddr: 0x400000, Memsz: 0x1000, Flags: elf64.FlagRead | elf64.FlagExec, Data: []byte{0xf4}},
	}))
	boot := &racingBoot{BootServices: fw.Boot()}

	p, m, err := Prepare(img, boot, Options{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if p == nil || m == nil {
		t.Fatal("Prepare returned nil plan or map")
	}

	// One fetch for the first attempt, one for the replan.
	if got := fw.MapFetches(); got != 2 {
		t.Errorf("map fetches = %d, want 2", got)
	}
	checkDisjoint(t, p)

	// The replan routed the page tables around the stolen range.
	if p.PageTables.Base == boot.stolen {
		t.Errorf("page tables still at stolen base %#x", boot.stolen)
	}
	for _, r := range p.Reservations() {
		var found bool
		for _, a := range fw.Outstanding() {
			if a.Base == r.Base && a.Pages == r.Pages && a.Type == efi.LoaderData {
				found = true
			}
		}
		if !found {
			t.Errorf("%s at %#x not pinned after replan", r.Purpose, r.Base)
		}
	}
}

func TestEstimateCoversSmallKernels(t *testing.T) {
	img := parse(t, elf64test.Kernel(t))
	got := EstimatePageTablePages(img, 4)
	// pml4 + pdpt + 4 identity PDs + per-segment tables + slack.
	if got < 10 {
		t.Errorf("estimate = %d pages, implausibly small", got)
	}
	if got > 64 {
		t.Errorf("estimate = %d pages, implausibly large for a tiny kernel", got)
	}
}
