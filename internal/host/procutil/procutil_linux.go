//go:build linux

package procutil

import (
	"os/exec"
	"syscall"
)

// StartOwned configures the command so the child is killed when the daemon
// dies (via Pdeathsig on Linux), then starts it.
func StartOwned(cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
	return cmd.Start()
}
