package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/loykin/camwarden/internal/capture"
	"github.com/loykin/camwarden/internal/process"
)

// Writers encode MJPEG frames fed on stdin into an MP4 container. The
// moov atom is written on Close, so the output plays only after Close.
type Writers struct {
	Binary       string
	FPS          float64
	Codec        string
	Preset       string
	CloseTimeout time.Duration
}

var _ capture.WriterFactory = Writers{}

func (w Writers) args(path string) []string {
	codec, preset := w.Codec, w.Preset
	if codec == "" {
		codec = "libx264"
	}
	if preset == "" {
		preset = "veryfast"
	}
	fps := w.FPS
	if fps <= 0 {
		fps = 10
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "mjpeg", "-framerate", strconv.FormatFloat(fps, 'f', -1, 64), "-i", "pipe:0",
		"-c:v", codec, "-preset", preset, "-pix_fmt", "yuv420p",
		"-movflags", "+faststart", "-f", "mp4", path,
	}
}

func (w Writers) Create(path string, _ time.Time) (capture.SegmentWriter, error) {
	bin := w.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, w.args(path)...)
	process.Isolate(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	enc := &encoder{cmd: cmd, stdin: stdin, timeout: w.CloseTimeout, done: make(chan struct{})}
	cmd.Stderr = &enc.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	go func() {
		enc.waitErr = cmd.Wait()
		close(enc.done)
	}()
	return enc, nil
}

type encoder struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  tailBuffer
	timeout time.Duration
	done    chan struct{}
	waitErr error
	closed  bool
}

func (e *encoder) Write(f capture.Frame) error {
	if e.closed {
		return errors.New("encoder closed")
	}
	select {
	case <-e.done:
		return fmt.Errorf("encoder exited: %w", errors.Join(e.waitErr, e.stderr.Err()))
	default:
	}
	_, err := e.stdin.Write(f.Data)
	return err
}

// Close ends the input and waits for ffmpeg to write the trailer.
func (e *encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.stdin.Close()
	timeout := e.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.done:
	case <-t.C:
		_ = process.KillGroup(e.cmd.Process.Pid, syscall.SIGKILL)
		<-e.done
		return fmt.Errorf("encoder did not finish within %s", timeout)
	}
	if e.waitErr != nil {
		return fmt.Errorf("encoder failed: %w", errors.Join(e.waitErr, e.stderr.Err()))
	}
	return nil
}
