//go:build !unix

package procutil

import "os/exec"

// Isolate is a no-op where process groups are unavailable; cancellation
// falls back to killing the direct child.
func Isolate(cmd *exec.Cmd) {}

// KillGroup kills the direct child process
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
