// Package main is the entry point for the asd binary.
//
// asd combines a TUI dashboard (built with Bubble Tea) and a CLI (built
// with Cobra) for exposing local services through a supervised SSH
// reverse tunnel and local reverse proxy.
//
// When invoked without arguments, it launches the interactive TUI
// dashboard. When invoked with subcommands (e.g. "expose", "net apply"),
// it runs the corresponding CLI operation and exits.
//
// Usage:
//
//	asd                      # launch the TUI dashboard
//	asd expose 3000          # expose local port 3000
//	asd net apply            # reconcile declared/discovered services
//
// The CLI is constructed in internal/cli and the TUI in internal/ui. This
// file simply wires them together and handles top-level error reporting
// and exit codes (0 success, 1 generic failure, 2 misuse).
package main

import (
	"fmt"
	"os"

	"github.com/asdhq/asd-net/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cli.ExitCode(err))
}
