// Package efi defines the firmware capability surface the boot stub runs
// against. Production code talks to these interfaces only; the systab
// subpackage binds them to a live EFI system table and efitest provides a
// scripted fake.
package efi

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDeviceError    = errors.New("device error")
	ErrOutOfResources = errors.New("out of resources")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrUnsupported    = errors.New("unsupported")
	ErrStaleMapKey    = errors.New("stale memory map key")
)

// PageSize is the EFI page size in bytes. Every AllocatePages unit is one
// of these.
const PageSize = 4096

type MemoryType uint32

// EFI_MEMORY_TYPE
const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	UnacceptedMemoryType
)

func (t MemoryType) String() string {
	switch t {
	case ReservedMemoryType:
		return "reserved"
	case LoaderCode:
		return "loader-code"
	case LoaderData:
		return "loader-data"
	case BootServicesCode:
		return "boot-services-code"
	case BootServicesData:
		return "boot-services-data"
	case RuntimeServicesCode:
		return "runtime-services-code"
	case RuntimeServicesData:
		return "runtime-services-data"
	case ConventionalMemory:
		return "conventional"
	case UnusableMemory:
		return "unusable"
	case ACPIReclaimMemory:
		return "acpi-reclaim"
	case ACPIMemoryNVS:
		return "acpi-nvs"
	case MemoryMappedIO:
		return "mmio"
	case MemoryMappedIOPortSpace:
		return "mmio-port"
	case PalCode:
		return "pal-code"
	case PersistentMemory:
		return "persistent"
	case UnacceptedMemoryType:
		return "unaccepted"
	default:
		return fmt.Sprintf("memory-type-%d", uint32(t))
	}
}

// Revision is a UEFI specification revision. The minor part is the lower
// 16 bits of the system table revision word, so 2.70 has Minor == 70.
type Revision struct {
	Major int
	Minor int
}

func (r Revision) String() string {
	return fmt.Sprintf("%d.%02d", r.Major, r.Minor)
}

func (r Revision) AtLeast(major, minor int) bool {
	if r.Major != major {
		return r.Major > major
	}
	return r.Minor >= minor
}

type TextColor uint8

// EFI_SIMPLE_TEXT_OUTPUT attribute colors. Backgrounds may only use the
// first eight.
const (
	Black TextColor = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGray
	DarkGray
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	Yellow
	White
)

// Attribute packs a foreground and background color into the protocol's
// attribute word.
func Attribute(fg, bg TextColor) uint64 {
	return uint64(fg&0x0f) | uint64(bg&0x07)<<4
}

// TextOutput is the firmware text console. Write accepts UTF-8 and
// adapters transcode as needed.
type TextOutput interface {
	io.Writer

	ClearScreen() error
	SetAttribute(fg, bg TextColor) error
}

// Volume is read access to the filesystem the stub was loaded from. Names
// follow io/fs rules; adapters translate to device paths.
type Volume interface {
	fs.FS
}

// PhysicalMemory reads and writes physical memory. Offsets are physical
// addresses; it is only usable while firmware keeps memory identity
// mapped, which holds for the whole life of the stub.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// MemorySlicer is an optional PhysicalMemory refinement. Adapters that
// address memory directly hand out the range itself instead of a copy.
type MemorySlicer interface {
	Slice(addr, length uint64) ([]byte, error)
}

// BootServices is the slice of EFI boot services the stub uses. All of it
// becomes unusable the moment ExitBootServices succeeds.
type BootServices interface {
	// AllocatePages allocates page-aligned physical memory wherever the
	// firmware likes and returns the base address.
	AllocatePages(mt MemoryType, pages uint64) (uint64, error)

	// AllocatePagesAt allocates exactly [addr, addr+pages*PageSize). It
	// fails if any part of the range is not free.
	AllocatePagesAt(addr uint64, mt MemoryType, pages uint64) error

	FreePages(addr uint64, pages uint64) error

	// MemoryMap snapshots the current memory map. Snapshots are
	// value-owned: later firmware activity never mutates an earlier
	// snapshot, but any allocation or free invalidates its MapKey.
	MemoryMap() (*MemoryMap, error)

	// ExitBootServices terminates boot services. A stale map key fails
	// with ErrStaleMapKey and leaves boot services running; any other
	// failure leaves the firmware in an unspecified state.
	ExitBootServices(mapKey uint64) error

	// SetWatchdogTimer arms the firmware watchdog, or disarms it when
	// seconds is zero.
	SetWatchdogTimer(seconds uint64) error
}

type PixelFormat uint32

// EFI_GRAPHICS_PIXEL_FORMAT
const (
	PixelRGBX8 PixelFormat = iota
	PixelBGRX8
	PixelBitMask
	PixelBltOnly
)

// Framebuffer describes the active graphics output mode. Stride is in
// pixels, not bytes.
type Framebuffer struct {
	Base   uint64
	Size   uint64
	Width  uint32
	Height uint32
	Stride uint32
	Format PixelFormat
}

// Firmware is everything the stub needs from the platform firmware.
type Firmware interface {
	Vendor() string
	Revision() Revision

	ConOut() TextOutput
	Boot() BootServices
	Memory() PhysicalMemory

	// BootVolume opens the volume the stub image was loaded from.
	BootVolume() (Volume, error)

	// Framebuffer reports the graphics output mode, or ErrNotFound when
	// the platform has none.
	Framebuffer() (*Framebuffer, error)

	// ConfigTable looks up a vendor table by GUID and returns its
	// physical address.
	ConfigTable(guid GUID) (uint64, bool)

	// RuntimeServices returns the physical address of the EFI runtime
	// services table, which stays valid after ExitBootServices.
	RuntimeServices() uint64
}
