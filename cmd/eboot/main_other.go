//go:build !(tamago && amd64)

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "eboot only runs as a UEFI application; build with GOOS=tamago GOARCH=amd64")
	os.Exit(1)
}
