// Package systab binds the efi package interfaces to a live UEFI system
// table. Services are invoked by their fixed table offsets through a
// Microsoft x64 call shim, and physical structures are read through the
// boot-time identity mapping.
//
// The bindings are only meaningful inside the firmware's boot services
// environment, so everything but this documentation is constrained to
// GOOS=tamago on amd64.
package systab
