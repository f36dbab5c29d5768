// Package eboot boots an x86-64 kernel from UEFI firmware. A Stub loads
// the configured kernel ELF from the boot volume, plans and pins physical
// memory, builds the kernel address space, assembles a boot info block,
// exits boot services, and jumps to the kernel entry point exactly once.
//
// On hardware the cmd/eboot application drives a Stub against live
// firmware. Kernel-side consumers use DecodeBootInfo to read the block
// the stub left behind.
package eboot

import (
	"github.com/eboot/eboot/internal/bootinfo"
	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/stub"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Stub is a single boot attempt. It is created with New and consumed by Run.
type Stub = stub.Stub

// Options configures a Stub.
type Options = stub.Options

// State tracks boot progress. Transitions only move forward.
type State = stub.State

// Executor performs the final architecture handoff. On hardware it never
// returns; test executors record the call and return.
type Executor = stub.Executor

// Firmware is the surface a Stub needs from UEFI. systab binds it to live
// firmware; efitest provides a scripted fake.
type Firmware = efi.Firmware

// Memory is byte-addressed physical memory.
type Memory = efi.PhysicalMemory

// Revision is a UEFI specification revision.
type Revision = efi.Revision

// Framebuffer describes a linear graphics framebuffer.
type Framebuffer = efi.Framebuffer

// BootInfo is a decoded boot info block, the kernel-side view of what the
// stub assembled.
type BootInfo = bootinfo.Info

// Boot states, in the order Run moves through them.
const (
	Initializing      = stub.Initializing
	Loaded            = stub.Loaded
	Parsed            = stub.Parsed
	Planned           = stub.Planned
	AddressSpaceReady = stub.AddressSpaceReady
	ServicesExited    = stub.ServicesExited
	HandedOff         = stub.HandedOff
)

// Common sentinel errors.
var (
	// ErrExitFailed means ExitBootServices kept rejecting the map key
	// until the retry budget ran out.
	ErrExitFailed = stub.ErrExitFailed

	// ErrFirmwareTooOld means the firmware predates UEFI 2.30.
	ErrFirmwareTooOld = stub.ErrFirmwareTooOld

	// ErrAlreadyRan means Run was called twice on the same Stub.
	ErrAlreadyRan = stub.ErrAlreadyRan

	// ErrNotFound is returned by Firmware lookups with no match, such as
	// Framebuffer on a machine without a graphics output.
	ErrNotFound = efi.ErrNotFound

	// ErrMalformed is returned by DecodeBootInfo for blocks that fail
	// validation.
	ErrMalformed = bootinfo.ErrMalformed
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New prepares a boot attempt against fw. The attempt runs when Run is
// called and at most once.
func New(fw Firmware, opts Options) *Stub {
	return stub.New(fw, opts)
}

// DecodeBootInfo validates and parses a sealed boot info block. base is
// the physical address the block lives at; in-block pointers are resolved
// against it.
func DecodeBootInfo(b []byte, base uint64) (*BootInfo, error) {
	return bootinfo.Decode(b, base)
}

// ReadBootInfo decodes a sealed boot info block out of physical memory.
func ReadBootInfo(mem Memory, base uint64) (*BootInfo, error) {
	return bootinfo.ReadFrom(mem, base)
}
