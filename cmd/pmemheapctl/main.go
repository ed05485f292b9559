// Command pmemheapctl is the operator CLI for pmemheap pools: create,
// open, inspect and tune a pool from the shell, grounded on
// marmos91-dittofs/cmd/dittofs's cobra command tree.
package main

import (
	"fmt"
	"os"

	"github.com/pbalcer/nvml/cmd/pmemheapctl/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pmemheapctl: %v\n", err)
		os.Exit(1)
	}
}
