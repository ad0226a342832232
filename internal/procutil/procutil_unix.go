//go:build unix

// Package procutil puts spawned commands in their own process group so that
// cancelling them also stops anything they started.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Isolate starts cmd in a new process group and makes context cancellation
// kill the whole group. Must be called before Start.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error { return KillGroup(cmd) }
}

// KillGroup sends SIGKILL to the process group led by cmd
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
