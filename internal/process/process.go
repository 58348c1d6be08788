package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var ErrAlreadyRunning = errors.New("process already running")

// killGrace bounds the wait for reaping after SIGKILL.
const killGrace = 2 * time.Second

// Process runs one child in its own process group. A single monitor
// goroutine owns cmd.Wait; everyone else observes the done channel.
type Process struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	status   Status
	onExit   func(err error)
	stopping bool
}

func New(spec Spec) *Process { return &Process{spec: spec} }

func (p *Process) Name() string { return p.spec.Name }

// OnExit registers a callback invoked by the monitor after the child is reaped.
func (p *Process) OnExit(fn func(err error)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// configureCmd wires workdir, env, process group and log writers.
func (p *Process) configureCmd() (*exec.Cmd, []io.Closer, error) {
	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.spec.Env) > 0 {
		cmd.Env = p.spec.Env
	}
	configureSysProcAttr(cmd, false)

	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return nil, nil, err
	}
	var closers []io.Closer
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	}
	return cmd, closers, nil
}

// Start spawns the child. It returns ErrAlreadyRunning when a previous
// child has not been reaped yet.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyRunning
		}
	}
	cmd, closers, err := p.configureCmd()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.stopping = false
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	go p.monitor(cmd, p.done, closers)
	return nil
}

func (p *Process) monitor(cmd *exec.Cmd, done chan struct{}, closers []io.Closer) {
	err := cmd.Wait()
	closeAll(closers)

	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	if err != nil {
		p.status.ExitErr = err.Error()
	} else {
		p.status.ExitErr = ""
	}
	cb := p.onExit
	p.mu.Unlock()

	close(done)
	if cb != nil {
		cb(err)
	}
}

// Alive reports whether the child is running. Zombies count as dead.
func (p *Process) Alive() bool {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return pidAlive(cmd.Process.Pid)
}

// pidAlive probes pid with signal 0, treating Linux zombies as dead.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Done returns a channel closed when the current child has been reaped.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Stop sends SIGTERM to the process group, waits up to wait for exit and
// escalates to SIGKILL. It returns once the child is reaped or the kill grace expires.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	return p.kill(pid, done)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}
	return p.kill(cmd.Process.Pid, done)
}

func (p *Process) kill(pid int, done chan struct{}) error {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("process %s (pid %d) not reaped after SIGKILL", p.spec.Name, pid)
	}
}

// StopRequested reports whether the last exit was asked for.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
