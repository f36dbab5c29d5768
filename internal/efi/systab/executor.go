//go:build tamago && amd64

package systab

// handoff disables interrupts, sets EFER.NXE, loads cr3, switches to the
// kernel stack and jumps to entry with bootInfo as the first C argument.
// It does not return. Implemented in systab_amd64.s.
func handoff(cr3, entry, stackTop, bootInfo uint64)

// CPU transfers control on the boot processor. It satisfies the stub's
// executor contract; Handoff never returns on hardware.
type CPU struct{}

func (CPU) Handoff(cr3, entry, stackTop, bootInfo uint64) error {
	handoff(cr3, entry, stackTop, bootInfo)
	return nil
}
