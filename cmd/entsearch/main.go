// Package main provides the entry point for the entsearch CLI.
package main

import (
	"os"

	"github.com/lodeworks/entsearch/cmd/entsearch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
