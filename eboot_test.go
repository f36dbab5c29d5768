package eboot_test

import (
	"errors"
	"testing"
	"testing/fstest"

	eboot "github.com/eboot/eboot"
	"github.com/eboot/eboot/internal/efi/efitest"
	"github.com/eboot/eboot/internal/elf64/elf64test"
)

// recordingExecutor consumes the handoff instead of jumping, so a boot can
// be driven to completion on the host.
type recordingExecutor struct {
	calls    int
	cr3      uint64
	entry    uint64
	stackTop uint64
	bootInfo uint64
}

var _ eboot.Executor = (*recordingExecutor)(nil)

func (e *recordingExecutor) Handoff(cr3, entry, stackTop, bootInfo uint64) error {
	e.calls++
	e.cr3, e.entry, e.stackTop, e.bootInfo = cr3, entry, stackTop, bootInfo
	return nil
}

func TestEndToEnd(t *testing.T) {
	fw := efitest.New(efitest.Options{
		Files: fstest.MapFS{
			"eboot.yaml": &fstest.MapFile{Data: []byte(
				"version: 1\nkernel:\n  path: boot/vmlinux\n  cmdline: console=ttyS0\n")},
			"boot/vmlinux": &fstest.MapFile{Data: elf64test.Kernel(t)},
		},
		Framebuffer: &eboot.Framebuffer{
			Base: 0x80000000, Size: 1024 * 768 * 4,
			Width: 1024, Height: 768, Stride: 1024,
		},
		RSDP: 0x4000014,
	})
	ex := &recordingExecutor{}

	s := eboot.New(fw, eboot.Options{Executor: ex})
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := s.State(); got != eboot.HandedOff {
		t.Fatalf("State() = %v, want %v", got, eboot.HandedOff)
	}
	if !fw.Exited() {
		t.Fatal("boot services still running after handoff")
	}
	if ex.calls != 1 {
		t.Fatalf("executor called %d times, want 1", ex.calls)
	}

	// The block the kernel would read must decode and agree with the jump.
	info, err := eboot.ReadBootInfo(fw.Memory(), ex.bootInfo)
	if err != nil {
		t.Fatalf("ReadBootInfo() error = %v", err)
	}
	if info.Entry != ex.entry {
		t.Fatalf("block entry = %#x, handoff entry = %#x", info.Entry, ex.entry)
	}
	if info.StackTop != ex.stackTop {
		t.Fatalf("block stack = %#x, handoff stack = %#x", info.StackTop, ex.stackTop)
	}
	if info.Cmdline != "console=ttyS0" {
		t.Fatalf("block cmdline = %q", info.Cmdline)
	}
	if info.Framebuffer == nil || info.Framebuffer.Width != 1024 {
		t.Fatalf("block framebuffer = %+v", info.Framebuffer)
	}
	if info.RSDP != 0x4000014 {
		t.Fatalf("block rsdp = %#x, want 0x4000014", info.RSDP)
	}
}

func TestRunTwice(t *testing.T) {
	fw := efitest.New(efitest.Options{
		Files: fstest.MapFS{
			"KERNEL": &fstest.MapFile{Data: elf64test.Kernel(t)},
		},
	})

	s := eboot.New(fw, eboot.Options{Executor: &recordingExecutor{}})
	if err := s.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := s.Run(); !errors.Is(err, eboot.ErrAlreadyRan) {
		t.Fatalf("second Run() error = %v, want %v", err, eboot.ErrAlreadyRan)
	}
}

func TestDecodeBootInfoRejectsGarbage(t *testing.T) {
	if _, err := eboot.DecodeBootInfo([]byte("not a boot info block"), 0); !errors.Is(err, eboot.ErrMalformed) {
		t.Fatalf("DecodeBootInfo() error = %v, want %v", err, eboot.ErrMalformed)
	}
}

func TestStates(t *testing.T) {
	// Run moves through the states in declaration order.
	order := []eboot.State{
		eboot.Initializing,
		eboot.Loaded,
		eboot.Parsed,
		eboot.Planned,
		eboot.AddressSpaceReady,
		eboot.ServicesExited,
		eboot.HandedOff,
	}
	for i, st := range order {
		if int(st) != i {
			t.Errorf("state %v = %d, want %d", st, int(st), i)
		}
	}
}
