// Package main provides the entry point for the parley CLI.
package main

import (
	"fmt"
	"os"

	"github.com/parleyhq/parley/cmd/parley/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
