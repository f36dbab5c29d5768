//go:build tamago && amd64

package systab

import (
	"fmt"
	"unicode/utf16"

	"github.com/eboot/eboot/internal/efi"
)

// EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL function offsets.
const (
	outputString = 0x08
	setAttribute = 0x28
	clearScreen  = 0x30
)

// output adapts the firmware text console to efi.TextOutput. Callers are
// expected to send CRLF line endings; no conversion happens here.
type output struct {
	t     *Table
	proto uint64
}

var _ efi.TextOutput = &output{}

func (o *output) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// The protocol wants NUL-terminated UCS-2.
	u := utf16.Encode([]rune(string(p)))
	u = append(u, 0)

	if err := o.t.call(o.proto, outputString, o.proto, ptrval(&u[0])); err != nil {
		return 0, fmt.Errorf("output string: %w", err)
	}
	return len(p), nil
}

func (o *output) ClearScreen() error {
	if err := o.t.call(o.proto, clearScreen, o.proto); err != nil {
		return fmt.Errorf("clear screen: %w", err)
	}
	return nil
}

func (o *output) SetAttribute(fg, bg efi.TextColor) error {
	if err := o.t.call(o.proto, setAttribute, o.proto, efi.Attribute(fg, bg)); err != nil {
		return fmt.Errorf("set attribute: %w", err)
	}
	return nil
}
