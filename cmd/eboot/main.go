//go:build tamago && amd64

// Command eboot is the UEFI boot stub. Firmware loads it as the boot
// application; it loads the configured kernel from the boot volume,
// stages memory and page tables, and hands the machine over.
package main

import (
	"fmt"
	_ "unsafe"

	"github.com/usbarmory/tamago/amd64"
	"github.com/usbarmory/tamago/soc/intel/uart"

	"github.com/eboot/eboot/internal/efi"
	"github.com/eboot/eboot/internal/efi/systab"
	"github.com/eboot/eboot/internal/stub"
)

// COM1 base port.
const com1 = 0x3f8

// Set by the entry shim in rt0_uefi_amd64.s before the runtime starts.
var (
	imageHandle uint64
	systemTable uint64
)

// Peripheral instances
var (
	cpu = &amd64.CPU{
		// required before Init()
		TimerMultiplier: 1,
	}

	serial = &uart.UART{
		Index: 1,
		Base:  com1,
		DTR:   true,
		RTS:   true,
	}
)

// The linker places the Go heap in this window; claimHeap reserves it
// with the firmware so no later allocation lands inside it.
//
//go:linkname ramStart runtime.ramStart
var ramStart uint64 = 0x40000000

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = 0x10000000 // 256 MiB

//go:linkname nanotime1 runtime.nanotime1
func nanotime1() int64 {
	return int64(float64(cpu.TimerFn())*cpu.TimerMultiplier) + cpu.TimerOffset
}

// hwinit takes care of the lower level initialization triggered early in
// runtime setup.
//
//go:linkname hwinit runtime.hwinit
func hwinit() {
	cpu.Init()
	serial.Init()
}

// halt parks the processor for good; implemented in rt0_uefi_amd64.s.
func halt()

func claimHeap(fw *systab.Table) error {
	return fw.Boot().AllocatePagesAt(ramStart, efi.BootServicesData, ramSize/efi.PageSize)
}

func main() {
	fw, err := systab.FromHandle(imageHandle, systemTable)
	if err != nil {
		fmt.Printf("eboot: %v\n", err)
		halt()
	}
	if err := claimHeap(fw); err != nil {
		fmt.Printf("eboot: claim runtime heap: %v\n", err)
		halt()
	}

	s := stub.New(fw, stub.Options{
		Executor: systab.CPU{},
		Serial:   serial,
	})
	if err := s.Run(); err != nil {
		fmt.Printf("eboot: %v\n", err)
	}

	// A successful run never comes back.
	halt()
}
