// Command gocohort orchestrates distributed training runs.
package main

import (
	"os"

	"github.com/3leaps/gocohort/internal/cmd"
)

// Populated at build time via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
