//go:build !linux

package launch

import "syscall"

// helperProcAttr places the transport helper in its own process group.
// Pdeathsig is not available outside Linux.
func helperProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
