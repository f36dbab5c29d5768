// Package efitest provides a scripted fake firmware for testing the boot
// stub without hardware. The fake keeps a live memory map that allocation
// calls carve up, so map keys go stale the same way they do on real
// firmware.
package efitest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"testing/fstest"

	"github.com/eboot/eboot/internal/acpi"
	"github.com/eboot/eboot/internal/efi"
)

// ErrExited is returned by every boot service once ExitBootServices has
// succeeded.
var ErrExited = errors.New("boot services exited")

// Options scripts the fake. The zero value gets a small machine with 64
// MiB of memory, an empty boot volume and no graphics output.
type Options struct {
	Vendor   string
	Revision efi.Revision

	// Layout is the initial memory map. Leave nil for the default
	// machine: low memory, a legacy hole, the stub image at 1 MiB and
	// conventional memory above it.
	Layout []efi.MemoryDescriptor

	Files fstest.MapFS

	// NoVolume makes BootVolume fail, as on firmware that lost the
	// device handle.
	NoVolume bool

	// FailReadAfter makes reads of the named file fail with a device
	// error after the given number of bytes.
	FailReadAfter map[string]int

	Framebuffer     *efi.Framebuffer
	RSDP            uint64
	RuntimeServices uint64

	// StaleExits fails this many ExitBootServices calls with a stale
	// map key, bumping the key each time as if the firmware had been
	// busy.
	StaleExits int

	// AllocBudget allows this many page allocations before returning
	// out of resources. Zero means unlimited.
	AllocBudget int
}

func (o Options) withDefaults() Options {
	if o.Vendor == "" {
		o.Vendor = "EDK II"
	}
	if o.Revision == (efi.Revision{}) {
		o.Revision = efi.Revision{Major: 2, Minor: 70}
	}
	if o.Layout == nil {
		o.Layout = []efi.MemoryDescriptor{
			{Type: efi.ConventionalMemory, PhysicalStart: 0x0, NumberOfPages: 0x9f, Attribute: 0xf},
			{Type: efi.ReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 0x61},
			{Type: efi.LoaderCode, PhysicalStart: 0x100000, NumberOfPages: 0x100, Attribute: 0xf},
			{Type: efi.ConventionalMemory, PhysicalStart: 0x200000, NumberOfPages: 0x3e00, Attribute: 0xf},
			{Type: efi.ACPIReclaimMemory, PhysicalStart: 0x4000000, NumberOfPages: 0x10},
			{Type: efi.RuntimeServicesData, PhysicalStart: 0x4010000, NumberOfPages: 0x10},
		}
	}
	if o.Files == nil {
		o.Files = fstest.MapFS{}
	}
	if o.RuntimeServices == 0 {
		o.RuntimeServices = 0x4010000
	}
	return o
}

// Allocation is one outstanding AllocatePages result.
type Allocation struct {
	Base  uint64
	Pages uint64
	Type  efi.MemoryType
}

// Firmware is the fake. It implements efi.Firmware; Boot() hands out the
// boot services view of the same state.
type Firmware struct {
	opts Options

	console *Console
	mem     *Memory
	tables  map[efi.GUID]uint64

	regions    []efi.MemoryDescriptor
	mapKey     uint64
	mapFetches int

	allocs     []Allocation
	allocsLeft int

	staleLeft int
	exitCalls int
	exited    bool

	watchdog []uint64
}

var _ efi.Firmware = &Firmware{}

func New(opts Options) *Firmware {
	opts = opts.withDefaults()

	regions := append([]efi.MemoryDescriptor(nil), opts.Layout...)
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].PhysicalStart < regions[j].PhysicalStart
	})

	base := regions[0].PhysicalStart
	end := regions[len(regions)-1].End()

	f := &Firmware{
		opts:       opts,
		mem:        &Memory{base: base, data: make([]byte, end-base)},
		regions:    regions,
		mapKey:     1,
		allocsLeft: opts.AllocBudget,
		staleLeft:  opts.StaleExits,
		tables:     map[efi.GUID]uint64{},
	}
	f.console = &Console{f: f}

	if opts.RSDP != 0 {
		f.tables[efi.ACPI20TableGUID] = opts.RSDP
		// A well-formed root pointer goes into fake memory so lookups
		// that validate it succeed, as they would over real reclaim
		// memory. Outside the backing window the write is dropped and
		// validation fails like it does on a corrupt machine.
		_, _ = f.mem.WriteAt(acpi.Build(opts.RSDP+64, "EBOOT "), int64(opts.RSDP))
	}

	return f
}

func (f *Firmware) Vendor() string         { return f.opts.Vendor }
func (f *Firmware) Revision() efi.Revision { return f.opts.Revision }

func (f *Firmware) ConOut() efi.TextOutput     { return f.console }
func (f *Firmware) Boot() efi.BootServices     { return bootServices{f} }
func (f *Firmware) Memory() efi.PhysicalMemory { return f.mem }
func (f *Firmware) RuntimeServices() uint64    { return f.opts.RuntimeServices }

func (f *Firmware) BootVolume() (efi.Volume, error) {
	if f.opts.NoVolume {
		return nil, fmt.Errorf("boot volume: %w", efi.ErrNotFound)
	}
	return &volume{fsys: f.opts.Files, failAfter: f.opts.FailReadAfter}, nil
}

func (f *Firmware) Framebuffer() (*efi.Framebuffer, error) {
	if f.opts.Framebuffer == nil {
		return nil, fmt.Errorf("graphics output: %w", efi.ErrNotFound)
	}
	fb := *f.opts.Framebuffer
	return &fb, nil
}

func (f *Firmware) ConfigTable(guid efi.GUID) (uint64, bool) {
	addr, ok := f.tables[guid]
	return addr, ok
}

// Inspection helpers for tests.

func (f *Firmware) Console() *Console { return f.console }
func (f *Firmware) Exited() bool      { return f.exited }
func (f *Firmware) ExitCalls() int    { return f.exitCalls }
func (f *Firmware) MapFetches() int   { return f.mapFetches }
func (f *Firmware) MapKey() uint64    { return f.mapKey }

func (f *Firmware) WatchdogCalls() []uint64 { return append([]uint64(nil), f.watchdog...) }

// Outstanding returns allocations that were never freed.
func (f *Firmware) Outstanding() []Allocation {
	return append([]Allocation(nil), f.allocs...)
}

// Regions returns the current (not snapshot) memory map entries.
func (f *Firmware) Regions() []efi.MemoryDescriptor {
	return append([]efi.MemoryDescriptor(nil), f.regions...)
}

// MemBytes copies size bytes of fake physical memory at addr.
func (f *Firmware) MemBytes(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	if _, err := f.mem.ReadAt(out, int64(addr)); err != nil {
		return nil, err
	}
	return out, nil
}

// carve takes [base, base+pages*PageSize) out of a conventional region,
// splitting the map entry as needed.
func (f *Firmware) carve(base, pages uint64, mt efi.MemoryType) error {
	size := pages * efi.PageSize
	for i, r := range f.regions {
		if r.Type != efi.ConventionalMemory {
			continue
		}
		if base < r.PhysicalStart || base+size > r.End() {
			continue
		}

		var out []efi.MemoryDescriptor
		out = append(out, f.regions[:i]...)
		if base > r.PhysicalStart {
			out = append(out, efi.MemoryDescriptor{
				Type:          efi.ConventionalMemory,
				PhysicalStart: r.PhysicalStart,
				NumberOfPages: (base - r.PhysicalStart) / efi.PageSize,
				Attribute:     r.Attribute,
			})
		}
		out = append(out, efi.MemoryDescriptor{
			Type:          mt,
			PhysicalStart: base,
			NumberOfPages: pages,
			Attribute:     r.Attribute,
		})
		if base+size < r.End() {
			out = append(out, efi.MemoryDescriptor{
				Type:          efi.ConventionalMemory,
				PhysicalStart: base + size,
				NumberOfPages: (r.End() - base - size) / efi.PageSize,
				Attribute:     r.Attribute,
			})
		}
		out = append(out, f.regions[i+1:]...)

		f.regions = out
		f.mapKey++
		f.allocs = append(f.allocs, Allocation{Base: base, Pages: pages, Type: mt})
		return nil
	}

	return fmt.Errorf("range [%#x, %#x) not free: %w", base, base+size, efi.ErrNotFound)
}

func (f *Firmware) takeBudget() error {
	if f.opts.AllocBudget == 0 {
		return nil
	}
	if f.allocsLeft == 0 {
		return efi.ErrOutOfResources
	}
	f.allocsLeft--
	return nil
}

type bootServices struct {
	f *Firmware
}

var _ efi.BootServices = bootServices{}

func (b bootServices) AllocatePages(mt efi.MemoryType, pages uint64) (uint64, error) {
	f := b.f
	if f.exited {
		return 0, ErrExited
	}
	if err := f.takeBudget(); err != nil {
		return 0, err
	}

	size := pages * efi.PageSize

	// Real firmware hands out high addresses first; doing the same keeps
	// low conventional memory clear for address-pinned allocations.
	for i := len(f.regions) - 1; i >= 0; i-- {
		r := f.regions[i]
		if r.Type != efi.ConventionalMemory || r.Bytes() < size {
			continue
		}
		base := r.End() - size
		if err := f.carve(base, pages, mt); err != nil {
			return 0, err
		}
		return base, nil
	}

	return 0, efi.ErrOutOfResources
}

func (b bootServices) AllocatePagesAt(addr uint64, mt efi.MemoryType, pages uint64) error {
	f := b.f
	if f.exited {
		return ErrExited
	}
	if addr%efi.PageSize != 0 {
		return fmt.Errorf("allocation base %#x not page aligned", addr)
	}
	if err := f.takeBudget(); err != nil {
		return err
	}
	return f.carve(addr, pages, mt)
}

func (b bootServices) FreePages(addr, pages uint64) error {
	f := b.f
	if f.exited {
		return ErrExited
	}

	for i, a := range f.allocs {
		if a.Base != addr || a.Pages != pages {
			continue
		}
		f.allocs = append(f.allocs[:i], f.allocs[i+1:]...)
		for j, r := range f.regions {
			if r.PhysicalStart == addr && r.NumberOfPages == pages {
				f.regions[j].Type = efi.ConventionalMemory
				break
			}
		}
		f.mapKey++
		return nil
	}

	return fmt.Errorf("free of [%#x, +%d pages) that was never allocated", addr, pages)
}

func (b bootServices) MemoryMap() (*efi.MemoryMap, error) {
	f := b.f
	if f.exited {
		return nil, ErrExited
	}
	f.mapFetches++
	return efi.BuildMemoryMap(f.regions, 48, 1, f.mapKey), nil
}

func (b bootServices) ExitBootServices(mapKey uint64) error {
	f := b.f
	f.exitCalls++

	if f.exited {
		return ErrExited
	}
	if f.staleLeft > 0 {
		f.staleLeft--
		f.mapKey++
		return efi.ErrStaleMapKey
	}
	if mapKey != f.mapKey {
		return efi.ErrStaleMapKey
	}

	f.exited = true
	return nil
}

func (b bootServices) SetWatchdogTimer(seconds uint64) error {
	f := b.f
	if f.exited {
		return ErrExited
	}
	f.watchdog = append(f.watchdog, seconds)
	return nil
}

// Console records everything written to the firmware text output.
type Console struct {
	f *Firmware

	buf    bytes.Buffer
	clears int
	attrs  [][2]efi.TextColor
}

var _ efi.TextOutput = &Console{}

func (c *Console) Write(p []byte) (int, error) {
	if c.f.exited {
		return 0, ErrExited
	}
	return c.buf.Write(p)
}

func (c *Console) ClearScreen() error {
	if c.f.exited {
		return ErrExited
	}
	c.clears++
	return nil
}

func (c *Console) SetAttribute(fg, bg efi.TextColor) error {
	if c.f.exited {
		return ErrExited
	}
	c.attrs = append(c.attrs, [2]efi.TextColor{fg, bg})
	return nil
}

func (c *Console) Output() string  { return c.buf.String() }
func (c *Console) ClearCount() int { return c.clears }

func (c *Console) Attributes() [][2]efi.TextColor {
	return append([][2]efi.TextColor(nil), c.attrs...)
}

// Memory is the fake physical memory backing store.
type Memory struct {
	base uint64
	data []byte
}

var (
	_ efi.PhysicalMemory = &Memory{}
	_ efi.MemorySlicer   = &Memory{}
)

// NewMemory builds a standalone backing store covering
// [base, base+size), for tests that exercise a component against raw
// memory without a whole firmware.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	start := uint64(off)
	if start < m.base || start+uint64(len(p)) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("read [%#x, %#x) outside physical memory [%#x, %#x)",
			start, start+uint64(len(p)), m.base, m.base+uint64(len(m.data)))
	}
	return copy(p, m.data[start-m.base:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	start := uint64(off)
	if start < m.base || start+uint64(len(p)) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("write [%#x, %#x) outside physical memory [%#x, %#x)",
			start, start+uint64(len(p)), m.base, m.base+uint64(len(m.data)))
	}
	return copy(m.data[start-m.base:], p), nil
}

// Slice aliases the backing store, so writes through it are visible to
// ReadAt exactly like on identity-mapped hardware.
func (m *Memory) Slice(addr, length uint64) ([]byte, error) {
	if addr < m.base || addr+length > m.base+uint64(len(m.data)) {
		return nil, fmt.Errorf("slice [%#x, %#x) outside physical memory [%#x, %#x)",
			addr, addr+length, m.base, m.base+uint64(len(m.data)))
	}
	return m.data[addr-m.base : addr-m.base+length], nil
}

type volume struct {
	fsys      fs.FS
	failAfter map[string]int
}

var _ efi.Volume = &volume{}

func (v *volume) Open(name string) (fs.File, error) {
	file, err := v.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	if limit, ok := v.failAfter[name]; ok {
		return &failingFile{File: file, left: limit}, nil
	}
	return file, nil
}

// failingFile simulates a media error partway through a read.
type failingFile struct {
	fs.File
	left int
}

func (f *failingFile) Read(p []byte) (int, error) {
	if f.left <= 0 {
		return 0, fmt.Errorf("simulated media failure: %w", efi.ErrDeviceError)
	}
	if len(p) > f.left {
		p = p[:f.left]
	}
	n, err := f.File.Read(p)
	f.left -= n
	return n, err
}
