package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var ErrSingleInstance = errors.New("another instance is running")

// PIDFile enforces a single running instance. The file holds the PID on the
// first line and the process start time (unix ms) on the second, so a PID
// reused by an unrelated process is recognised as stale.
type PIDFile struct {
	Path string
}

// Read returns the recorded PID and start time. A legacy file with only a
// PID yields start 0.
func (f PIDFile) Read() (int, int64, error) {
	b, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return 0, 0, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, 0, fmt.Errorf("pidfile %s: %w", f.Path, err)
	}
	start, _ := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	return pid, start, nil
}

// Running returns the PID of the live owner, or false when the file is
// missing or stale.
func (f PIDFile) Running() (int, bool) {
	pid, start, err := f.Read()
	if err != nil {
		return 0, false
	}
	if !pidAlive(pid) {
		return pid, false
	}
	if start > 0 {
		if cur := procStartMillis(pid); cur > 0 && cur != start {
			return pid, false
		}
	}
	return pid, true
}

// Acquire records pid, replacing a stale file. It fails with
// ErrSingleInstance if a different live process owns the file.
func (f PIDFile) Acquire(pid int) error {
	if owner, ok := f.Running(); ok && owner != pid {
		return fmt.Errorf("%w (pid %d, pidfile %s)", ErrSingleInstance, owner, f.Path)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return err
	}
	body := strconv.Itoa(pid) + "\n" + strconv.FormatInt(procStartMillis(pid), 10) + "\n"
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// Release removes the file if it still names pid.
func (f PIDFile) Release(pid int) error {
	cur, _, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if cur != pid {
		return nil
	}
	return os.Remove(f.Path)
}

// procStartMillis returns the create time of pid in unix milliseconds, 0 if unknown.
func procStartMillis(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool { return pidAlive(pid) }

// Signal sends sig to pid.
func Signal(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}
