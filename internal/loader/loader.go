// Package loader pulls the kernel image off the boot volume into a
// firmware page allocation. The allocation holds the raw file; segment
// placement happens later against planned memory.
package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/schollz/progressbar/v3"

	"github.com/eboot/eboot/internal/efi"
)

type Options struct {
	// Progress, when set, renders a byte progress bar while reading.
	Progress io.Writer

	// ChunkSize is the read granularity.
	ChunkSize int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize == 0 {
		o.ChunkSize = 1 << 20
	}
	return o
}

// Buffer is a loaded file held in LoaderData pages.
type Buffer struct {
	Base  uint64
	Size  uint64
	Pages uint64

	mem efi.PhysicalMemory
}

// Bytes returns the file contents. Identity-mapped adapters alias the
// allocation; others get a copy.
func (b *Buffer) Bytes() ([]byte, error) {
	if s, ok := b.mem.(efi.MemorySlicer); ok {
		return s.Slice(b.Base, b.Size)
	}
	buf := make([]byte, b.Size)
	if _, err := b.mem.ReadAt(buf, int64(b.Base)); err != nil {
		return nil, fmt.Errorf("read back loaded image: %w", err)
	}
	return buf, nil
}

// Free returns the pages to the firmware. Call it once the contents have
// been copied out, and only while boot services still run.
func (b *Buffer) Free(boot efi.BootServices) error {
	return boot.FreePages(b.Base, b.Pages)
}

// Load reads path from the boot volume into fresh LoaderData pages.
// On any failure the allocation is released; no partial buffer escapes.
func Load(fw efi.Firmware, path string, opts Options) (*Buffer, error) {
	opts = opts.withDefaults()

	vol, err := fw.BootVolume()
	if err != nil {
		return nil, fmt.Errorf("open boot volume: %w", err)
	}

	f, err := vol.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("kernel %q: %w", path, efi.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open kernel %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat kernel %q: %w", path, err)
	}
	size := info.Size()
	if size <= 0 {
		return nil, fmt.Errorf("kernel %q is empty", path)
	}

	pages := (uint64(size) + efi.PageSize - 1) / efi.PageSize
	base, err := fw.Boot().AllocatePages(efi.LoaderData, pages)
	if err != nil {
		return nil, fmt.Errorf("allocate %d pages for kernel: %w", pages, err)
	}

	if err := copyIn(fw.Memory(), base, uint64(size), f, path, opts); err != nil {
		_ = fw.Boot().FreePages(base, pages)
		return nil, err
	}

	return &Buffer{Base: base, Size: uint64(size), Pages: pages, mem: fw.Memory()}, nil
}

func copyIn(mem efi.PhysicalMemory, base, size uint64, f fs.File, path string, opts Options) error {
	// Never read past the stat size; the allocation is sized to it.
	var src io.Reader = io.LimitReader(f, int64(size))
	if opts.Progress != nil {
		bar := progressbar.NewOptions64(int64(size),
			progressbar.OptionSetDescription(fmt.Sprintf("loading %s", path)),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(20),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(opts.Progress, "\n") }),
		)
		defer bar.Close()
		src = io.TeeReader(src, bar)
	}

	chunk := make([]byte, opts.ChunkSize)
	var off uint64
	for off < size {
		n, err := src.Read(chunk)
		if n > 0 {
			if _, werr := mem.WriteAt(chunk[:n], int64(base+off)); werr != nil {
				return fmt.Errorf("copy kernel to %#x: %w", base+off, werr)
			}
			off += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read kernel %q: %w", path, err)
		}
	}

	if off != size {
		return fmt.Errorf("read kernel %q: got %d of %d bytes: %w", path, off, size, efi.ErrDeviceError)
	}
	return nil
}
