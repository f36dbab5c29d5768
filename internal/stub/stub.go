// Package stub sequences the boot: load the kernel, parse it, plan and pin
// physical memory, build the address space, assemble the handoff block,
// leave boot services, jump. Each step happens once and in order.
package stub

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/eboot/eboot/internal/acpi"
	"github.com/eboot/eboot/internal/bootinfo"
	"github.com/eboot/eboot/internal/config"
	"github.com/eboot/eboot/internal/console"
	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/elf64"
	"github.com/eboot/eboot/internal/loader"
	"github.com/eboot/eboot/internal/paging"
	"github.com/eboot/eboot/internal/plan"
)

var (
	ErrBadTransition  = errors.New("invalid boot state transition")
	ErrExitFailed     = errors.New("could not exit boot services")
	ErrFirmwareTooOld = errors.New("firmware too old")
	ErrAlreadyRan     = errors.New("stub already ran")
)

// State tracks boot progress. Transitions only move forward, one step at a
// time.
type State int

const (
	Initializing State = iota
	Loaded
	Parsed
	Planned
	AddressSpaceReady
	ServicesExited
	HandedOff
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Loaded:
		return "loaded"
	case Parsed:
		return "parsed"
	case Planned:
		return "planned"
	case AddressSpaceReady:
		return "address-space-ready"
	case ServicesExited:
		return "services-exited"
	case HandedOff:
		return "handed-off"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// successor is the only legal transition out of each state.
var successor = map[State]State{
	Initializing:      Loaded,
	Loaded:            Parsed,
	Parsed:            Planned,
	Planned:           AddressSpaceReady,
	AddressSpaceReady: ServicesExited,
	ServicesExited:    HandedOff,
}

// Executor performs the architecture handoff: CR3 load, stack switch,
// first-argument register, jump. On hardware it never returns; test
// executors record the call and return.
type Executor interface {
	Handoff(cr3, entry, stackTop, bootInfo uint64) error
}

type Options struct {
	// Executor performs the final jump. Required.
	Executor Executor

	// Serial mirrors diagnostics to an auxiliary port, usually a UART.
	Serial io.Writer

	// Log replaces the console logger. Level filtering from eboot.yaml
	// does not apply to a replacement.
	Log *slog.Logger

	// ExitAttempts bounds ExitBootServices tries when the map key keeps
	// going stale.
	ExitAttempts int

	// IdentityGiB is the size of the low identity-mapped window.
	IdentityGiB int
}

func (o Options) withDefaults() Options {
	if o.ExitAttempts == 0 {
		o.ExitAttempts = 3
	}
	if o.IdentityGiB == 0 {
		o.IdentityGiB = 4
	}
	return o
}

// Stub is a single boot attempt.
type Stub struct {
	fw   efi.Firmware
	opts Options

	con *console.Console
	log *slog.Logger

	state State
	ran   bool

	cfg  config.Config
	plan *plan.Plan
	info *bootinfo.Table
}

func New(fw efi.Firmware, opts Options) *Stub {
	return &Stub{fw: fw, opts: opts.withDefaults(), state: Initializing}
}

func (s *Stub) State() State              { return s.state }
func (s *Stub) Config() config.Config     { return s.cfg }
func (s *Stub) Plan() *plan.Plan          { return s.plan }
func (s *Stub) BootInfo() *bootinfo.Table { return s.info }

func (s *Stub) advance(to State) error {
	if successor[s.state] != to {
		return fmt.Errorf("%s -> %s: %w", s.state, to, ErrBadTransition)
	}
	s.state = to
	return nil
}

// fail reports err on the console and returns it. Once boot services are
// gone there is nowhere left to write.
func (s *Stub) fail(err error) error {
	if s.state >= ServicesExited {
		return err
	}
	if s.log != nil {
		s.log.Error("boot failed", "state", s.state, "error", err)
	} else {
		fmt.Fprintf(s.con, "boot failed: %v\n", err)
	}
	return err
}

// Run boots. On hardware a successful run never returns; a nil return
// means a recording executor consumed the handoff.
func (s *Stub) Run() error {
	if s.ran {
		return ErrAlreadyRan
	}
	s.ran = true

	if s.opts.Executor == nil {
		return errors.New("no handoff executor configured")
	}

	s.con = console.New(s.fw.ConOut(), s.opts.Serial)
	if err := s.con.Init(); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	rev := s.fw.Revision()
	fmt.Fprintf(s.con, "eboot (%s, UEFI %s)\n", s.fw.Vendor(), rev)
	if !rev.AtLeast(2, 30) {
		return s.fail(fmt.Errorf("UEFI %s, need at least 2.30: %w", rev, ErrFirmwareTooOld))
	}

	boot := s.fw.Boot()
	if err := boot.SetWatchdogTimer(0); err != nil {
		// Some firmware refuses the call; boot continues with the
		// watchdog armed.
		fmt.Fprintf(s.con, "watchdog disable failed: %v\n", err)
	}

	vol, err := s.fw.BootVolume()
	if err != nil {
		return s.fail(fmt.Errorf("boot volume: %w", err))
	}
	cfg, err := config.Load(vol)
	if err != nil {
		return s.fail(err)
	}
	s.cfg = cfg

	if s.opts.Log != nil {
		s.log = s.opts.Log
	} else {
		level, _ := cfg.Console.Level()
		s.log = slog.New(console.NewHandler(s.con, &console.HandlerOptions{Level: level}))
	}
	s.log.Info("boot configuration", "kernel", cfg.Kernel.Path, "cmdline", cfg.Kernel.Cmdline)

	var progress io.Writer
	if !cfg.Console.Quiet {
		progress = s.con
	}
	buf, err := loader.Load(s.fw, cfg.Kernel.Path, loader.Options{Progress: progress})
	if err != nil {
		return s.fail(fmt.Errorf("load kernel: %w", err))
	}
	if err := s.advance(Loaded); err != nil {
		return s.fail(err)
	}
	s.log.Info("kernel loaded", "base", buf.Base, "bytes", buf.Size, "pages", buf.Pages)

	raw, err := buf.Bytes()
	if err != nil {
		return s.fail(err)
	}
	img, err := elf64.Parse(raw)
	if err != nil {
		return s.fail(fmt.Errorf("parse kernel: %w", err))
	}
	if err := s.advance(Parsed); err != nil {
		return s.fail(err)
	}
	s.log.Info("kernel image", "entry", img.Entry, "segments", len(img.Segments), "relocatable", img.Relocatable)

	p, err := s.planMemory(img, boot)
	if err != nil {
		return s.fail(err)
	}
	s.plan = p
	if err := s.advance(Planned); err != nil {
		return s.fail(err)
	}
	s.log.Info("memory planned",
		"entry", p.Entry, "slide", p.Slide,
		"stack_top", p.StackTop, "boot_info", p.BootInfo.Base,
		"page_table_frames", p.PageTables.Pages)

	if err := img.LoadSegments(s.fw.Memory(), p.SegmentBases); err != nil {
		return s.fail(fmt.Errorf("place segments: %w", err))
	}
	if err := buf.Free(boot); err != nil {
		s.log.Warn("free image buffer", "error", err)
	}

	as, err := s.buildAddressSpace(p)
	if err != nil {
		return s.fail(err)
	}
	if err := s.advance(AddressSpaceReady); err != nil {
		return s.fail(err)
	}
	s.log.Info("address space ready", "root", as.Root(), "frames", as.FramesUsed())

	info, err := s.assembleBootInfo(p)
	if err != nil {
		return s.fail(err)
	}
	s.info = info

	s.log.Info("exiting boot services", "max_attempts", s.opts.ExitAttempts)
	if err := s.exitBootServices(boot, info); err != nil {
		return s.fail(err)
	}
	if err := s.advance(ServicesExited); err != nil {
		return err
	}

	// Firmware is gone. The only thing left is the jump.
	if err := s.opts.Executor.Handoff(as.Root(), p.Entry, p.StackTop, info.Base()); err != nil {
		return fmt.Errorf("handoff: %w", err)
	}
	return s.advance(HandedOff)
}

// planMemory sizes the boot info block off a map probe, then plans and
// pins every region.
func (s *Stub) planMemory(img *elf64.Image, boot efi.BootServices) (*plan.Plan, error) {
	probe, err := boot.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	mapSlack := efi.MapBufferSize(uint64(len(probe.Raw)), probe.DescriptorSize)

	p, _, err := plan.Prepare(img, boot, plan.Options{
		BootInfoBytes: bootinfo.Capacity(s.cfg.Kernel.Cmdline, mapSlack),
		IdentityGiB:   s.opts.IdentityGiB,
	})
	if err != nil {
		return nil, fmt.Errorf("plan memory: %w", err)
	}
	return p, nil
}

func (s *Stub) buildAddressSpace(p *plan.Plan) (*paging.AddressSpace, error) {
	as, err := paging.New(s.fw.Memory(), p.PageTables.Base, p.PageTables.Pages)
	if err != nil {
		return nil, err
	}
	for _, m := range p.Mappings {
		if err := as.MapRange(m.Virt, m.Phys, m.Pages, paging.ELFPerm(m.Flags)); err != nil {
			return nil, fmt.Errorf("map segment: %w", err)
		}
	}
	if err := as.IdentityMapLow(p.IdentityGiB); err != nil {
		return nil, fmt.Errorf("identity map: %w", err)
	}
	if err := preflight(as, p); err != nil {
		return nil, err
	}
	return as, nil
}

// preflight proves the handoff targets exist in the new address space
// while there is still a console to complain on.
func preflight(as *paging.AddressSpace, p *plan.Plan) error {
	entry, err := as.Translate(p.Entry)
	if err != nil {
		return fmt.Errorf("entry %#x not mapped: %w", p.Entry, err)
	}
	if entry.NoExec {
		return fmt.Errorf("entry %#x is mapped no-execute", p.Entry)
	}

	stack, err := as.Translate(p.StackTop - 8)
	if err != nil {
		return fmt.Errorf("stack top %#x not mapped: %w", p.StackTop, err)
	}
	if !stack.Writable {
		return fmt.Errorf("stack top %#x is not writable", p.StackTop)
	}

	if _, err := as.Translate(p.BootInfo.Base); err != nil {
		return fmt.Errorf("boot info %#x not mapped: %w", p.BootInfo.Base, err)
	}
	return nil
}

func (s *Stub) assembleBootInfo(p *plan.Plan) (*bootinfo.Table, error) {
	params := bootinfo.Params{
		Entry:           p.Entry,
		StackTop:        p.StackTop,
		Cmdline:         s.cfg.Kernel.Cmdline,
		RuntimeServices: s.fw.RuntimeServices(),
	}

	fb, err := s.fw.Framebuffer()
	switch {
	case err == nil:
		params.Framebuffer = fb
	case errors.Is(err, efi.ErrNotFound):
		s.log.Debug("no graphics output")
	default:
		return nil, fmt.Errorf("framebuffer: %w", err)
	}

	switch r, err := acpi.Locate(s.fw); {
	case err == nil:
		params.RSDP = r.Addr
	case errors.Is(err, efi.ErrNotFound):
		s.log.Debug("no acpi tables")
	default:
		// A bad root pointer is worse than none; boot without it.
		s.log.Warn("acpi root pointer rejected", "error", err)
	}

	info, err := bootinfo.New(s.fw.Memory(), p.BootInfo.Base, p.BootInfo.Pages*efi.PageSize, params)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// exitBootServices runs the fetch-write-exit protocol. Between the map
// fetch and the exit call nothing may allocate, free, or log; a stale key
// means firmware moved underneath us, so refetch and try again, a bounded
// number of times.
func (s *Stub) exitBootServices(boot efi.BootServices, info *bootinfo.Table) error {
	for attempt := 0; attempt < s.opts.ExitAttempts; attempt++ {
		m, err := boot.MemoryMap()
		if err != nil {
			return fmt.Errorf("memory map: %w", err)
		}
		if err := info.SetMemoryMap(m); err != nil {
			return err
		}

		err = boot.ExitBootServices(m.MapKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, efi.ErrStaleMapKey) {
			return fmt.Errorf("exit boot services: %w", err)
		}
	}
	return fmt.Errorf("map key stale after %d attempts: %w", s.opts.ExitAttempts, ErrExitFailed)
}
