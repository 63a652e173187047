// Package main provides the CLI for the LeapFuse pipeline engine.
package main

import (
	"os"

	"github.com/leapstack-labs/leapfuse/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
