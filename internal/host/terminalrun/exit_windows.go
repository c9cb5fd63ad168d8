//go:build windows

package terminalrun

import "os/exec"

// exitStatusOf translates cmd.Wait's error into an ExitStatus. Windows has
// no termination signals; everything is an exit code.
func exitStatusOf(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{ExitCode: &code}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return ExitStatus{ExitCode: &code}
	}
	code := -1
	return ExitStatus{ExitCode: &code}
}
