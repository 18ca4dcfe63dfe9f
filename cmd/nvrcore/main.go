// Package main is the entry point for nvrcore.
package main

import (
	"os"

	"github.com/nvrflow/nvrcore/cmd/nvrcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
