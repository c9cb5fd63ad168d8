//go:build darwin

package procutil

import "os/exec"

// StartOwned starts the command. macOS has no kernel-level equivalent of
// Linux's Pdeathsig, so graceful shutdown relies on exec.CommandContext
// signalling the child on context cancellation. An ungraceful daemon death
// (SIGKILL) will leave orphaned agents; there is no reliable in-process fix
// for this on macOS.
func StartOwned(cmd *exec.Cmd) error {
	return cmd.Start()
}
