//go:build ignore

// This file demonstrates every public API in the eboot package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"os"

	eboot "github.com/eboot/eboot"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// jumpExecutor stands in for the real one; on hardware cmd/eboot supplies
// an executor whose Handoff never returns.
type jumpExecutor struct{}

func (jumpExecutor) Handoff(cr3, entry, stackTop, bootInfo uint64) error {
	fmt.Printf("jump: cr3=%#x entry=%#x stack=%#x info=%#x\n", cr3, entry, stackTop, bootInfo)
	return nil
}

func run() error {
	// =========================================================================
	// Firmware - the surface a Stub boots against
	// =========================================================================
	// On hardware the platform layer binds this to the live system table.
	// Tests use the scripted fake in internal/efi/efitest.
	var fw eboot.Firmware

	// =========================================================================
	// Options - stub configuration
	// =========================================================================
	opts := eboot.Options{
		Executor:     jumpExecutor{}, // required
		Serial:       os.Stdout,      // mirror diagnostics to an aux port
		ExitAttempts: 3,              // stale map key retry budget
		IdentityGiB:  4,              // low identity-mapped window
	}

	// =========================================================================
	// New / Run - a single boot attempt
	// =========================================================================
	s := eboot.New(fw, opts)
	if err := s.Run(); err != nil {
		switch {
		case errors.Is(err, eboot.ErrFirmwareTooOld):
			return fmt.Errorf("firmware predates UEFI 2.30: %w", err)
		case errors.Is(err, eboot.ErrExitFailed):
			return fmt.Errorf("map key never settled: %w", err)
		}
		return err
	}

	// State - how far the boot got
	if s.State() != eboot.HandedOff {
		return fmt.Errorf("boot stopped at %v", s.State())
	}

	// States, in the order Run moves through them
	_ = eboot.Initializing
	_ = eboot.Loaded
	_ = eboot.Parsed
	_ = eboot.Planned
	_ = eboot.AddressSpaceReady
	_ = eboot.ServicesExited
	_ = eboot.HandedOff

	// Running twice is rejected
	if err := s.Run(); !errors.Is(err, eboot.ErrAlreadyRan) {
		return fmt.Errorf("second run: %w", err)
	}

	// =========================================================================
	// DecodeBootInfo / ReadBootInfo - the kernel-side view
	// =========================================================================
	var block []byte // the sealed block, identity-mapped on the kernel side
	var base uint64  // physical address the block lives at
	var mem eboot.Memory

	info, err := eboot.DecodeBootInfo(block, base)
	if errors.Is(err, eboot.ErrMalformed) {
		return fmt.Errorf("boot info rejected: %w", err)
	}
	info, _ = eboot.ReadBootInfo(mem, base)
	if info != nil {
		_ = info.Entry           // virtual entry point jumped to
		_ = info.StackTop        // initial stack pointer
		_ = info.Cmdline         // kernel command line
		_ = info.MapPtr          // final UEFI memory map, in-block
		_ = info.MapCount        // descriptor count
		_ = info.RSDP            // ACPI root pointer, 0 if absent
		_ = info.RuntimeServices // EFI runtime services table
		if fb := info.Framebuffer; fb != nil {
			_, _, _ = fb.Base, fb.Width, fb.Height
		}
	}

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ *eboot.Stub       // single boot attempt
		_ eboot.Options     // stub configuration
		_ eboot.State       // boot progress
		_ eboot.Executor    // architecture handoff
		_ eboot.Firmware    // UEFI surface
		_ eboot.Memory      // physical memory
		_ eboot.Revision    // UEFI revision
		_ eboot.Framebuffer // linear framebuffer
		_ *eboot.BootInfo   // decoded boot info block
	)

	// Sentinel errors
	_ = eboot.ErrExitFailed
	_ = eboot.ErrFirmwareTooOld
	_ = eboot.ErrAlreadyRan
	_ = eboot.ErrNotFound
	_ = eboot.ErrMalformed

	return nil
}
