// Package main provides the leapflow command.
package main

import (
	"os"

	"github.com/leapstack-labs/leapflow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
