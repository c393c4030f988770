// Package config parses and validates the local peer's CLI invocation,
// following a parse-then-validate shape: a single boolean flag plus a
// fixed pair of positional arguments.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultTransportHelper is the external helper invoked as
// `qrexec-client-vm <remote-domain> qubes.VMShell`.
const DefaultTransportHelper = "qrexec-client-vm"

// LockFileName is the well-known lock file, ~/.bombshell-lock.
const LockFileName = ".bombshell-lock"

// Config is the validated result of parsing argv plus environment
// overrides for the local peer.
type Config struct {
	Debug           bool
	Domain          string
	Command         []string
	TransportHelper string
	LockPath        string
}

// Parse parses args (conventionally os.Args[1:]) into a validated Config.
// Flag.FlagSet stops consuming flags at the first positional argument, so
// `-d <remote-domain> <command> [args...]` falls out directly: -d must
// precede the domain, matching the fixed CLI shape.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("bombshell", flag.ContinueOnError)
	debug := fs.Bool("d", false, "enable verbose diagnostic logging to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return nil, errors.New("usage: bombshell [-d] <remote-domain> <command> [args...]")
	}

	cfg := &Config{
		Debug:   *debug,
		Domain:  rest[0],
		Command: rest[1:],
	}
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides resolves BOMBSHELL_TRANSPORT_HELPER and
// BOMBSHELL_LOCK_PATH using a flag>env>default precedence chain. Neither
// has a corresponding flag, so there is nothing for a flag to take
// precedence over.
func applyEnvOverrides(c *Config) {
	c.TransportHelper = DefaultTransportHelper
	if v := os.Getenv("BOMBSHELL_TRANSPORT_HELPER"); v != "" {
		c.TransportHelper = v
	}

	c.LockPath = defaultLockPath()
	if v := os.Getenv("BOMBSHELL_LOCK_PATH"); v != "" {
		c.LockPath = v
	}
}

func defaultLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return LockFileName
	}
	return filepath.Join(home, LockFileName)
}

// validate performs semantic validation only: no filesystem or process
// access, just value and range checks.
func (c *Config) validate() error {
	if c.Domain == "" {
		return errors.New("remote domain must not be empty")
	}
	if len(c.Command) == 0 {
		return errors.New("command must be non-empty")
	}
	if c.Command[0] == "" {
		return fmt.Errorf("command must not be empty")
	}
	if c.TransportHelper == "" {
		return errors.New("transport helper must not be empty")
	}
	if c.LockPath == "" {
		return errors.New("lock path must not be empty")
	}
	return nil
}
