//go:build unix

package terminalrun

import (
	"os/exec"
	"syscall"
)

// exitStatusOf translates cmd.Wait's error into an ExitStatus, surfacing the
// terminating signal by name when there is one.
func exitStatusOf(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{ExitCode: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			return ExitStatus{Signal: &sig}
		}
		code := exitErr.ExitCode()
		return ExitStatus{ExitCode: &code}
	}
	code := -1
	return ExitStatus{ExitCode: &code}
}
