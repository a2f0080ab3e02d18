// Package main is the entry point for the nexus command.
package main

import (
	"errors"
	"os"

	"github.com/tapeless/nexus/cmd/nexus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exit *cmd.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
