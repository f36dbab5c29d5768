//go:build tamago && amd64

package systab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/eboot/eboot/internal/efi"
)

// EFI_LOADED_IMAGE_PROTOCOL field offset.
const liDeviceHandle = 0x18

// EFI_SIMPLE_FILE_SYSTEM_PROTOCOL function offset.
const openVolume = 0x08

// EFI_FILE_PROTOCOL function offsets.
const (
	fileOpen    = 0x08
	fileClose   = 0x10
	fileRead    = 0x20
	fileGetInfo = 0x40
)

const (
	fileModeRead  = 0x1
	fileDirectory = 0x10

	// EFI_FILE_INFO header before the variable-length name.
	fileInfoBytes = 80
	fileInfoSize  = 8
	fileInfoAttrs = 72
)

// BootVolume opens the filesystem the stub image was loaded from: loaded
// image protocol on our handle, simple filesystem on its device, volume
// root from there.
func (t *Table) BootVolume() (efi.Volume, error) {
	li, err := t.protocol(t.image, efi.LoadedImageGUID)
	if err != nil {
		return nil, fmt.Errorf("loaded image: %w", err)
	}
	device := deref(li + liDeviceHandle)
	if device == 0 {
		return nil, fmt.Errorf("boot device handle: %w", efi.ErrNotFound)
	}

	sfs, err := t.protocol(device, efi.SimpleFileSystemGUID)
	if err != nil {
		return nil, fmt.Errorf("boot filesystem: %w", err)
	}

	var root uint64
	if err := t.call(sfs, openVolume, sfs, ptrval(&root)); err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	return &volume{t: t, root: root}, nil
}

// volume is a FAT volume root exposed through io/fs semantics. Forward
// slashes translate to the backslashes the file protocol wants.
type volume struct {
	t    *Table
	root uint64
}

var _ efi.Volume = &volume{}

func (v *volume) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	name16 := utf16.Encode([]rune(strings.ReplaceAll(name, "/", "\\")))
	name16 = append(name16, 0)

	var handle uint64
	st := v.t.status(v.root, fileOpen, v.root, ptrval(&handle), ptrval(&name16[0]), fileModeRead, 0)
	switch st {
	case efi.StatusSuccess:
		return &file{t: v.t, handle: handle, name: name}, nil
	case efi.StatusNotFound:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	default:
		return nil, &fs.PathError{Op: "open", Path: name, Err: st.Err()}
	}
}

type file struct {
	t      *Table
	handle uint64
	name   string
	closed bool
}

var _ fs.File = &file{}

func (f *file) Read(p []byte) (int, error) {
	if f.closed {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: fs.ErrClosed}
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := uint64(len(p))
	if err := f.t.call(f.handle, fileRead, f.handle, ptrval(&n), ptrval(&p[0])); err != nil {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	if f.closed {
		return nil, &fs.PathError{Op: "stat", Path: f.name, Err: fs.ErrClosed}
	}

	g := efi.FileInfoGUID.Encode()

	var size uint64
	st := f.t.status(f.handle, fileGetInfo, f.handle, ptrval(&g[0]), ptrval(&size), 0)
	if st != efi.StatusBufferTooSmall && st != efi.StatusSuccess {
		return nil, &fs.PathError{Op: "stat", Path: f.name, Err: st.Err()}
	}
	if size < fileInfoBytes {
		return nil, &fs.PathError{Op: "stat", Path: f.name, Err: errors.New("short file info")}
	}

	buf := make([]byte, size)
	if err := f.t.call(f.handle, fileGetInfo, f.handle, ptrval(&g[0]), ptrval(&size), ptrval(&buf[0])); err != nil {
		return nil, &fs.PathError{Op: "stat", Path: f.name, Err: err}
	}

	return &fileInfo{
		name: path.Base(f.name),
		size: int64(binary.LittleEndian.Uint64(buf[fileInfoSize:])),
		dir:  binary.LittleEndian.Uint64(buf[fileInfoAttrs:])&fileDirectory != 0,
	}, nil
}

func (f *file) Close() error {
	if f.closed {
		return &fs.PathError{Op: "close", Path: f.name, Err: fs.ErrClosed}
	}
	f.closed = true
	if err := f.t.call(f.handle, fileClose, f.handle); err != nil {
		return &fs.PathError{Op: "close", Path: f.name, Err: err}
	}
	return nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

var _ fs.FileInfo = &fileInfo{}

func (i *fileInfo) Name() string { return i.name }
func (i *fileInfo) Size() int64  { return i.size }
func (i *fileInfo) IsDir() bool  { return i.dir }
func (i *fileInfo) Sys() any     { return nil }

func (i *fileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

// ModTime is not carried over; FAT timestamps are not worth decoding for
// a boot-time read-only view.
func (i *fileInfo) ModTime() time.Time { return time.Time{} }
