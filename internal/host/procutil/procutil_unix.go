//go:build unix

package procutil

import (
	"errors"
	"syscall"
)

// Alive reports whether a process with the given pid is still running.
// Signal 0 probes existence without delivering anything; EPERM means the
// process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate asks the process to shut down cleanly.
func Terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
