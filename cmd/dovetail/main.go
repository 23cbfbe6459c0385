// Package main is the entry point for the dovetail application.
package main

import (
	"os"

	"github.com/jmallach/dovetail/cmd/dovetail/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
