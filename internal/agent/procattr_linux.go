package agent

import "syscall"

// sysProcAttr puts the child in its own process group. Pdeathsig is a
// Linux-only safety net: if the remote peer dies unexpectedly, the kernel
// sends SIGTERM to the direct child.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
