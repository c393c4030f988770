// Package launch implements the local peer's launch supervisor: it holds
// the per-user lock for the handshake, spawns the transport helper, ships
// the remote bootstrap text and command request, awaits confirmation, then
// wires the data phase (multiplexer, demultiplexer, signal sender) and
// waits for the transport helper to exit.
package launch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"bombshell/internal/config"
	"bombshell/internal/demux"
	"bombshell/internal/fdutil"
	"bombshell/internal/mux"
	"bombshell/internal/sig"
	"bombshell/internal/wire"
)

// bootstrapText is the blob shipped ahead of the command request. Turning
// it into a running remote peer is outside this package's concern; this
// placeholder documents the intended shape — a shell-invocable line naming
// the remote program — without implementing Qubes-specific bootstrap
// mechanics.
const bootstrapText = "exec bombshell-agent\n"

// Lock is the exclusive hold on the per-user lock file. It must be
// released exactly once, after the confirmation has been fully processed
// — successful or not.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) path with owner-only permissions
// and takes an exclusive flock, blocking until it is available.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the flock and closes the file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Run drives the full local-peer sequence and returns the process exit
// code main should use.
func Run(cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	// Step 1: acquire the exclusive lock for the handshake scope.
	lock, err := Acquire(cfg.LockPath)
	if err != nil {
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 127
	}
	released := false
	release := func() {
		if !released {
			if rerr := lock.Release(); rerr != nil {
				logger.Debug("lock release failed", "err", rerr)
			}
			released = true
		}
	}
	defer release()

	// Step 2: save a duplicate of the original stderr fd. The demultiplexer
	// writes channel 1 to this duplicate, so stderr output still reaches the
	// user's terminal even if the process's own stderr is reassigned later.
	// A non-*os.File stderr (e.g. a test fixture) has no fd to duplicate;
	// fall back to using it directly.
	savedStderr := stderr
	if f, ok := stderr.(*os.File); ok {
		if dup, derr := fdutil.DupFile(f, "stderr-saved"); derr == nil {
			savedStderr = dup
		} else {
			logger.Debug("dup original stderr failed, using it directly", "err", derr)
		}
	}

	// Step 3: spawn the transport helper with a pipe pair, its own
	// process group, and inherited stderr.
	cmd := exec.Command(cfg.TransportHelper, cfg.Domain, "qubes.VMShell")
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = helperProcAttr()

	helperIn, err := cmd.StdinPipe()
	if err != nil {
		release()
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 127
	}
	helperOut, err := cmd.StdoutPipe()
	if err != nil {
		release()
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 127
	}

	if err := cmd.Start(); err != nil {
		release()
		fmt.Fprintf(stderr, "bombshell: could not spawn transport helper: %v\n", err)
		return 127
	}
	logger.Debug("transport helper spawned", "pid", cmd.Process.Pid, "domain", cfg.Domain)

	// Step 4: bootstrap text, then command request.
	if err := wire.WriteBootstrap(helperIn, []byte(bootstrapText)); err != nil {
		release()
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 127
	}
	if err := wire.WriteCommand(helperIn, cfg.Command); err != nil {
		release()
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 127
	}

	// Step 5: read confirmation, release the lock, handle failure.
	conf, err := wire.ReadConfirmation(helperOut)
	release()
	if err != nil {
		fmt.Fprintf(stderr, "bombshell: %v\n", err)
		return 125
	}
	if conf.Status != 0 {
		fmt.Fprintf(stderr, "bombshell: %s\n", conf.ErrMsg)
		return int(conf.Status)
	}
	logger.Debug("launch confirmed")

	// Data phase: signal handlers, MUX, DEMUX.
	sender, sigPipeR := sig.New(sig.MandatorySet, logger)
	sender.Start()
	defer sender.Stop()

	fw := wire.NewFrameWriter(helperIn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if derr := demux.Run(helperOut, []demux.Sink{
			{Channel: wire.ChannelStdout, Writer: stdout},
			{Channel: wire.ChannelStderr, Writer: savedStderr},
		}, logger); derr != nil {
			logger.Debug("demux ended with error", "err", derr)
		}
	}()

	go func() {
		if merr := mux.Run([]mux.Source{
			{Channel: wire.ChannelStdin, Reader: stdin},
			{Channel: wire.ChannelSignal, Reader: sigPipeR},
		}, fw, logger); merr != nil {
			logger.Debug("mux ended with error", "err", merr)
		}
	}()

	// Join the demultiplexer before reaping the helper: cmd.Wait closes the
	// StdoutPipe descriptor as soon as the helper is reaped, and the
	// demultiplexer may still be mid-read on it. Reaping first races a read
	// against that close and can truncate the tail of the relayed
	// stdout/stderr. The demultiplexer already unblocks on its own once the
	// helper exits and helperOut reaches EOF, so joining it first only
	// removes the race.
	wg.Wait()
	waitErr := cmd.Wait()

	return helperExitCode(waitErr)
}

func helperExitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
