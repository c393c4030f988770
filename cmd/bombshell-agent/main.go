// Command bombshell-agent is the remote peer: it reads the bootstrap text
// and command request from stdin, spawns and supervises the child
// process, and propagates the child's exit code.
//
// It takes no CLI flags — the transport helper places this binary at the
// far end of the pipe with no argv control; BOMBSHELL_DEBUG enables
// verbose logging the same way -d does on the local side.
package main

import (
	"os"

	"bombshell/internal/agent"
	"bombshell/internal/logging"
)

func main() {
	debug := os.Getenv("BOMBSHELL_DEBUG") != ""
	logging.Set(logging.New(debug, os.Stderr))

	code := agent.Run(os.Stdin, os.Stdout, logging.L())
	os.Exit(code)
}
