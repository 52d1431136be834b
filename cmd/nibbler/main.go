// Package main provides the entry point for the nibbler CLI.
package main

import (
	"os"

	"github.com/nibblerhq/nibbler/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
