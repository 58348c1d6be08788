//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

var terminateSignal = syscall.SIGTERM

// configureDaemonAttrs detaches the daemon into its own session.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
