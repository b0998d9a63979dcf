package main

import (
	"fmt"
	"os"

	"github.com/chaz8081/otaflash/internal/ble"
	"github.com/chaz8081/otaflash/internal/cli"
)

func main() {
	root := cli.NewRootCommand(ble.NewNativeAdapter(), os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "otaflash: %v\n", err)
		os.Exit(1)
	}
}
