// Command bombshell is the local peer: it parses the CLI invocation,
// drives the launch supervisor, and propagates the remote child's exit
// code as its own.
package main

import (
	"fmt"
	"os"

	"bombshell/internal/config"
	"bombshell/internal/launch"
	"bombshell/internal/logging"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bombshell: %v\n", err)
		os.Exit(1)
	}

	logging.Set(logging.New(cfg.Debug, os.Stderr))
	logger := logging.L()

	code := launch.Run(cfg, os.Stdin, os.Stdout, os.Stderr, logger)
	os.Exit(code)
}
