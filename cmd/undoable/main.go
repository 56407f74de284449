package main

import (
	"os"

	"github.com/undoable-org/undoable/internal/cmd"
)

func main() {
	if err := cmd.Root().Execute(); err != nil {
		os.Exit(1)
	}
}
