//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group, or in a new
// session when detached, so group signals reach its descendants.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

// Detach configures cmd to run in a new session, surviving its parent.
func Detach(cmd *exec.Cmd) { configureSysProcAttr(cmd, true) }

// Isolate places cmd in its own process group.
func Isolate(cmd *exec.Cmd) { configureSysProcAttr(cmd, false) }

// KillGroup sends sig to the process group led by pid.
func KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}
