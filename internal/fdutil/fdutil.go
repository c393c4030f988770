//go:build unix

// Package fdutil applies raw fd settings the multiplexer needs before it
// starts reading a source, using golang.org/x/sys/unix for syscalls the
// standard library doesn't expose directly.
package fdutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetNonblocking puts f's underlying fd in non-blocking mode so the Go
// runtime's poller can integrate with it cleanly. Go's runtime-integrated
// poller already arranges this for pipes and sockets it creates itself,
// but inherited fds (e.g. the process's own stdin) are not guaranteed to
// start that way.
func SetNonblocking(f *os.File) error {
	sc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if ctlErr := sc.Control(func(fd uintptr) {
		setErr = unix.SetNonblock(int(fd), true)
	}); ctlErr != nil {
		return ctlErr
	}
	return setErr
}

// DupFile duplicates f's underlying fd and wraps the copy in a new *os.File
// named name. The launch supervisor uses this to capture the process's
// original stderr before the handshake begins, so the demultiplexer always
// writes channel 1 to the fd the user's terminal is actually attached to,
// even if something later reassigns os.Stderr.
func DupFile(f *os.File, name string) (*os.File, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var newFd int
	var dupErr error
	if ctlErr := sc.Control(func(fd uintptr) {
		newFd, dupErr = unix.Dup(int(fd))
	}); ctlErr != nil {
		return nil, ctlErr
	}
	if dupErr != nil {
		return nil, dupErr
	}
	return os.NewFile(uintptr(newFd), name), nil
}
