package launch

import "syscall"

// helperProcAttr places the transport helper in its own process group so
// that terminal-generated signals (e.g. SIGINT from Ctrl-C) are delivered
// only to the local peer, which forwards them explicitly.
func helperProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
