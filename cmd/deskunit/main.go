package main

import (
	"os"

	"github.com/consultease/deskunit/cmd/deskunit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
