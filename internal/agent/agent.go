// Package agent implements the remote supervisor: it reads the bootstrap
// text and command request off the handshake transport, spawns the child
// process, sends the launch confirmation, then wires the child's file
// descriptors to the multiplexer/demultiplexer pair and waits for it to
// exit.
package agent

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"bombshell/internal/demux"
	"bombshell/internal/mux"
	"bombshell/internal/sig"
	"bombshell/internal/wire"
)

// Run drives the full remote-peer sequence against transport in/out and
// returns the process exit code main should use: the child's own exit code
// on normal termination.
func Run(in io.Reader, out io.Writer, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	// Step 1: read the bootstrap blob. How this process itself got
	// launched is outside this function's concern; the bytes only need to
	// be consumed here to keep the handshake's strict ordering.
	if _, err := wire.ReadBootstrap(in); err != nil {
		logger.Error("read bootstrap text failed", "err", err)
		return 125
	}

	// Step 2: read the command request.
	args, err := wire.ReadCommand(in)
	if err != nil {
		logger.Error("read command request failed", "err", err)
		return 125
	}
	if len(args) == 0 {
		logger.Error("empty command request")
		return 125
	}

	// Step 3: attempt to spawn P with piped stdio, inherited fds closed
	// (exec.Cmd does not inherit extra fds unless ExtraFiles is set).
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		writeConfirmation(out, 126, err.Error(), logger)
		return 0
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writeConfirmation(out, 126, err.Error(), logger)
		return 0
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		writeConfirmation(out, 126, err.Error(), logger)
		return 0
	}

	if err := cmd.Start(); err != nil {
		status, msg := classifySpawnError(args[0], err)
		writeConfirmation(out, status, msg, logger)
		return 0
	}

	// Step 4 (success branch): confirmation (0, "").
	if err := wire.WriteConfirmation(out, 0, ""); err != nil {
		logger.Error("write confirmation failed", "err", err)
		return 125
	}
	logger.Info("child started", "pid", cmd.Process.Pid, "command", args)

	// Step 5: signal pipe and signal receiver. A malformed signal frame is a
	// fatal protocol violation like any other; killing the child forces the
	// mux/demux goroutines below to observe EOF and unwind instead of
	// continuing to serve an already-corrupted session.
	recv, sigSink := sig.NewReceiver(cmd.Process, logger)
	go func() {
		if rerr := recv.Wait(); rerr != nil {
			logger.Error("signal receiver ended with protocol violation, killing child", "err", rerr)
			_ = cmd.Process.Kill()
		}
	}()

	// Step 6: DEMUX reads the handshake transport for the data phase,
	// dispatching stdin bytes to P.stdin and signal frames to the Signaler.
	go func() {
		if derr := demux.Run(in, []demux.Sink{
			{Channel: wire.ChannelStdin, Writer: stdin},
			{Channel: wire.ChannelSignal, Writer: sigSink},
		}, logger); derr != nil {
			logger.Debug("demux ended with error", "err", derr)
		}
	}()

	// Step 7: MUX forwards P's stdout/stderr to the transport.
	fw := wire.NewFrameWriter(out)
	muxDone := make(chan error, 1)
	go func() {
		muxDone <- mux.Run([]mux.Source{
			{Channel: wire.ChannelStdout, Reader: stdout},
			{Channel: wire.ChannelStderr, Reader: stderr},
		}, fw, logger)
	}()

	// Step 8: join the multiplexer before reaping the child. cmd.Wait
	// closes the StdoutPipe/StderrPipe descriptors as soon as the child is
	// reaped, and the multiplexer may still be mid-read on them; reaping
	// first races a read against that close and can truncate the last
	// chunk. mux.Run already unblocks on its own once the child exits and
	// its pipes reach EOF, with no dependency on Wait having been called,
	// so joining it first only removes the race — it doesn't change what
	// we wait for. The demultiplexer goroutine may still be blocked reading
	// further stdin/signal frames from a still-open transport; process exit
	// tears down the rest along with everything else.
	if merr := <-muxDone; merr != nil {
		logger.Debug("mux ended with error", "err", merr)
	}
	waitErr := cmd.Wait()

	return exitCodeFor(cmd, waitErr)
}

func writeConfirmation(out io.Writer, status uint16, msg string, logger *slog.Logger) {
	if err := wire.WriteConfirmation(out, status, msg); err != nil {
		logger.Error("write confirmation failed", "err", err)
	}
}

// classifySpawnError maps a spawn failure to the exit-code taxonomy: 127 for
// "not executable or not found", 126 for anything else.
func classifySpawnError(name string, err error) (uint16, string) {
	if errors.Is(err, exec.ErrNotFound) {
		return 127, fmt.Sprintf("%s: command not found", name)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, syscall.ENOENT) {
			return 127, fmt.Sprintf("%s: no such file or directory", name)
		}
		if errors.Is(pathErr.Err, syscall.EACCES) || errors.Is(pathErr.Err, syscall.ENOEXEC) {
			return 127, fmt.Sprintf("%s: permission denied or not executable", name)
		}
	}
	return 126, err.Error()
}

// exitCodeFor decodes cmd's terminal wait status: a normal exit propagates
// its code, a signal death reports 128+signo (the host OS's conventional
// encoding).
func exitCodeFor(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 126
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		uws := unix.WaitStatus(ws)
		if uws.Signaled() {
			return 128 + int(uws.Signal())
		}
		return uws.ExitStatus()
	}
	return exitErr.ExitCode()
}
