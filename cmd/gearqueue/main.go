package main

import (
	"fmt"
	"os"

	"github.com/mlattimore/gearqueue/internal/cmd"
)

// Populated via -ldflags at release time.
var (
	version = "dev"
	commit  = "HEAD"
)

func main() {
	cmd.SetVersionInfo(version, commit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
