package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loykin/camwarden/internal/process"
)

// daemonize re-executes the binary as "start --foreground" in a new session
// and waits until the child owns the PID file.
func daemonize(out io.Writer, configPath, logDir string, pf process.PIDFile, wait time.Duration) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	// #nosec G204
	cmd := exec.Command(executable, "start", "--foreground", "--config", abs)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	// The daemon writes its own rotating log; this file only catches output
	// from before the logger is up, such as a panic or a config error.
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		// #nosec G304
		logF, err := os.OpenFile(filepath.Join(logDir, "camwarden.out"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("daemon exited during startup (see %s): %v", filepath.Join(logDir, "camwarden.out"), err)
		case <-deadline.C:
			return fmt.Errorf("daemon pid %d did not take the pidfile within %s", pid, wait)
		case <-tick.C:
			if owner, ok := pf.Running(); ok && owner == pid {
				_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
				return nil
			}
		}
	}
}

// stopDaemon sends SIGTERM to the PID file owner and waits for it to exit.
func stopDaemon(out io.Writer, pf process.PIDFile, timeout time.Duration) error {
	pid, ok := pf.Running()
	if !ok {
		_, _ = fmt.Fprintln(out, "Daemon is not running")
		return nil
	}
	if err := process.Signal(pid, terminateSignal); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !process.Alive(pid) {
			_, _ = fmt.Fprintf(out, "Daemon %d stopped\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d still running after %s", pid, timeout)
}
