// Package console drives the firmware text console and an optional serial
// mirror. Diagnostics only exist before the handoff; the line format is
// not a stable interface.
package console

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/eboot/eboot/internal/efi"
)

// crlfWriter converts bare newlines for sinks that need a carriage return,
// which is both the firmware text protocol and raw UARTs.
type crlfWriter struct {
	io.Writer
}

func (w *crlfWriter) Write(p []byte) (int, error) {
	var converted []byte
	for i := range p {
		if p[i] == '\n' {
			converted = append(converted, '\r')
		}
		converted = append(converted, p[i])
	}
	if _, err := w.Writer.Write(converted); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Console fans diagnostic output to the firmware text console and, when
// configured, a serial port. The text console gets attribute colors, the
// serial side ANSI colors.
type Console struct {
	out    efi.TextOutput
	outW   io.Writer
	serial io.Writer

	body efi.TextColor
}

// New wraps the firmware console. serial may be nil.
func New(out efi.TextOutput, serial io.Writer) *Console {
	c := &Console{
		out:  out,
		outW: &crlfWriter{out},
		body: efi.Green,
	}
	if serial != nil {
		c.serial = &crlfWriter{serial}
	}
	return c
}

// Init sets the green-on-black scheme and clears the screen.
func (c *Console) Init() error {
	if err := c.out.SetAttribute(c.body, efi.Black); err != nil {
		return err
	}
	return c.out.ClearScreen()
}

// Write sends raw output to every sink. Newlines are converted; carriage
// returns pass through so progress redraws work.
func (c *Console) Write(p []byte) (int, error) {
	if _, err := c.outW.Write(p); err != nil {
		return 0, err
	}
	if c.serial != nil {
		if _, err := c.serial.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Log writes one leveled line to every sink.
func (c *Console) Log(level slog.Level, line string) error {
	tag, fg, sgr := levelStyle(level)

	if err := c.out.SetAttribute(fg, efi.Black); err != nil {
		return err
	}
	if _, err := io.WriteString(c.outW, tag); err != nil {
		return err
	}
	if err := c.out.SetAttribute(c.body, efi.Black); err != nil {
		return err
	}
	if _, err := io.WriteString(c.outW, " "+line+"\n"); err != nil {
		return err
	}

	if c.serial != nil {
		if _, err := fmt.Fprintf(c.serial, "\x1b[%dm%s\x1b[0m %s\n", sgr, tag, line); err != nil {
			return err
		}
	}
	return nil
}

// levelStyle maps a level onto a fixed-width tag, a firmware text color,
// and an ANSI SGR color code.
func levelStyle(level slog.Level) (string, efi.TextColor, int) {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG", efi.LightCyan, 36
	case level < slog.LevelWarn:
		return "INFO ", efi.LightGreen, 32
	case level < slog.LevelError:
		return "WARN ", efi.Yellow, 33
	default:
		return "ERROR", efi.LightRed, 31
	}
}
