//go:build unix

package strategy

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so a kill on
// timeout reaches the whole tree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup delivers a non-ignorable SIGKILL to the child's process
// group, falling back to the single process when the group is gone.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
