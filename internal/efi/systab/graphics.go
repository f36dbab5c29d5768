//go:build tamago && amd64

package systab

import (
	"encoding/binary"
	"fmt"

	"github.com/eboot/eboot/internal/efi"
)

// EFI_GRAPHICS_OUTPUT_PROTOCOL field offsets.
const (
	gopMode = 0x18

	gopModeInfo   = 0x08
	gopModeFBBase = 0x18
	gopModeFBSize = 0x20
	gopModeBytes  = 0x28

	gopInfoWidth  = 0x04
	gopInfoHeight = 0x08
	gopInfoFormat = 0x0c
	gopInfoStride = 0x20
	gopInfoBytes  = 0x24
)

// Framebuffer reports the active graphics mode, or efi.ErrNotFound when
// the platform has no linear framebuffer to hand to the kernel.
func (t *Table) Framebuffer() (*efi.Framebuffer, error) {
	gop, err := t.locate(efi.GraphicsOutputGUID)
	if err != nil {
		return nil, fmt.Errorf("graphics output: %w", err)
	}

	modePtr := deref(gop + gopMode)
	if modePtr == 0 {
		return nil, fmt.Errorf("graphics mode: %w", efi.ErrNotFound)
	}
	mode, err := t.mem.Slice(modePtr, gopModeBytes)
	if err != nil {
		return nil, err
	}

	infoPtr := binary.LittleEndian.Uint64(mode[gopModeInfo:])
	if infoPtr == 0 {
		return nil, fmt.Errorf("graphics mode info: %w", efi.ErrNotFound)
	}
	info, err := t.mem.Slice(infoPtr, gopInfoBytes)
	if err != nil {
		return nil, err
	}

	fb := &efi.Framebuffer{
		Base:   binary.LittleEndian.Uint64(mode[gopModeFBBase:]),
		Size:   binary.LittleEndian.Uint64(mode[gopModeFBSize:]),
		Width:  binary.LittleEndian.Uint32(info[gopInfoWidth:]),
		Height: binary.LittleEndian.Uint32(info[gopInfoHeight:]),
		Stride: binary.LittleEndian.Uint32(info[gopInfoStride:]),
		Format: efi.PixelFormat(binary.LittleEndian.Uint32(info[gopInfoFormat:])),
	}
	// Blt-only adapters have no memory-mapped pixels worth passing on.
	if fb.Base == 0 || fb.Format >= efi.PixelBltOnly {
		return nil, fmt.Errorf("no linear framebuffer: %w", efi.ErrNotFound)
	}
	return fb, nil
}
