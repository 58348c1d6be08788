package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/camwarden/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestBuildCommand(t *testing.T) {
	cmd := Spec{Command: "sleep 1"}.BuildCommand()
	assert.Equal(t, []string{"sleep", "1"}, cmd.Args)

	cmd = Spec{Command: "echo hi > /dev/null"}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi > /dev/null"}, cmd.Args)

	cmd = Spec{Command: `sh -c 'exit 3'`}.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "exit 3"}, cmd.Args)

	cmd = Spec{Path: "/usr/bin/env", Args: []string{"true"}, Command: "ignored"}.BuildCommand()
	assert.Equal(t, []string{"/usr/bin/env", "true"}, cmd.Args)
}

func TestStartStopGraceful(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "sleeper", Command: "sleep 30"})
	require.NoError(t, p.Start())
	assert.True(t, p.Alive())
	assert.ErrorIs(t, p.Start(), ErrAlreadyRunning)

	require.NoError(t, p.Stop(2*time.Second))
	assert.False(t, p.Alive())
	assert.True(t, p.StopRequested())
	assert.False(t, p.Snapshot().Running)
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`})
	require.NoError(t, p.Start())
	// give the shell time to install the trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(200*time.Millisecond))
	assert.False(t, p.Alive())
	assert.Less(t, time.Since(start), killGrace+time.Second)
}

func TestExitDetectedAndCallback(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "quick", Command: `sh -c 'exit 3'`})
	exited := make(chan error, 1)
	p.OnExit(func(err error) { exited <- err })
	require.NoError(t, p.Start())

	select {
	case err := <-exited:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("exit not observed")
	}
	assert.False(t, p.Alive())
	assert.NotEmpty(t, p.Snapshot().ExitErr)
	// restart after exit is allowed
	require.NoError(t, p.Start())
	_ = p.Stop(time.Second)
}

func TestKilledExternallyIsNotAlive(t *testing.T) {
	requireUnix(t)
	p := New(Spec{Name: "victim", Command: "sleep 30"})
	require.NoError(t, p.Start())
	pid := p.Snapshot().PID
	require.NoError(t, Signal(pid, os.Kill))
	assert.True(t, waitUntil(t, 2*time.Second, func() bool { return !p.Alive() }))
}

func TestProcessWritesLogs(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := New(Spec{Name: "echoer", Command: `sh -c 'echo captured'`, Log: logger.Config{File: logger.FileConfig{Dir: dir}}})
	require.NoError(t, p.Start())
	<-p.Done()
	b, err := os.ReadFile(filepath.Join(dir, "echoer.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "captured")
}

func TestPIDFileAcquireRelease(t *testing.T) {
	requireUnix(t)
	f := PIDFile{Path: filepath.Join(t.TempDir(), "run", "camwarden.pid")}
	me := os.Getpid()

	require.NoError(t, f.Acquire(me))
	pid, ok := f.Running()
	assert.True(t, ok)
	assert.Equal(t, me, pid)

	// a second owner is refused while we are alive
	err := f.Acquire(me + 100000)
	assert.ErrorIs(t, err, ErrSingleInstance)

	require.NoError(t, f.Release(me))
	_, err = os.Stat(f.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Release(me))
}

func TestPIDFileStaleIsReplaced(t *testing.T) {
	requireUnix(t)
	f := PIDFile{Path: filepath.Join(t.TempDir(), "camwarden.pid")}

	// a pid that is not running
	p := New(Spec{Name: "gone", Command: "true"})
	require.NoError(t, p.Start())
	<-p.Done()
	dead := p.Snapshot().PID
	require.NoError(t, os.WriteFile(f.Path, []byte(strconv.Itoa(dead)+"\n"), 0o600))

	_, ok := f.Running()
	assert.False(t, ok)
	require.NoError(t, f.Acquire(os.Getpid()))

	// start time mismatch marks a reused pid as stale
	body := strconv.Itoa(os.Getpid()) + "\n1\n"
	require.NoError(t, os.WriteFile(f.Path, []byte(body), 0o600))
	_, ok = f.Running()
	assert.False(t, ok)
}

func TestPIDFileReadLegacy(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "legacy.pid")}
	require.NoError(t, os.WriteFile(f.Path, []byte("4242"), 0o600))
	pid, start, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Zero(t, start)

	require.NoError(t, os.WriteFile(f.Path, []byte("abc"), 0o600))
	_, _, err = f.Read()
	assert.True(t, err != nil && strings.Contains(err.Error(), "pidfile"))
}
