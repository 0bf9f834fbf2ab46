//go:build unix

package compd

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSession puts the job in its own session so Kill reaches every
// process it spawns.
func setSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func killSession(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
}
