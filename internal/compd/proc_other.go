//go:build !unix

package compd

import "os/exec"

func setSession(cmd *exec.Cmd) {}

func killSession(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
