// Package ffmpeg runs ffmpeg subprocesses as the capture decoder and
// encoder: an RTSP stream decoded to MJPEG frames on stdout, and an MJPEG
// frame feed on stdin encoded to MP4.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/camwarden/internal/capture"
	"github.com/loykin/camwarden/internal/process"
)

const maxFrame = 16 << 20

var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// Source decodes an RTSP stream into JPEG frames.
type Source struct {
	Binary      string
	URL         string
	FPS         float64
	Width       int
	Height      int
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

var _ capture.FrameSource = (*Source)(nil)

func (s *Source) args() []string {
	a := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if strings.HasPrefix(strings.ToLower(s.URL), "rtsp://") {
		a = append(a, "-rtsp_transport", "tcp")
	}
	a = append(a, "-i", s.URL, "-an")
	if s.FPS > 0 {
		a = append(a, "-r", strconv.FormatFloat(s.FPS, 'f', -1, 64))
	}
	if s.Width > 0 && s.Height > 0 {
		a = append(a, "-s", fmt.Sprintf("%dx%d", s.Width, s.Height))
	}
	return append(a, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "pipe:1")
}

func (s *Source) timeout() time.Duration {
	if s.ReadTimeout > 0 {
		return s.ReadTimeout
	}
	return 5 * time.Second
}

// Open starts the decoder and waits for the first frame, so an unreachable
// camera fails here rather than on the first Read.
func (s *Source) Open(ctx context.Context) (capture.Stream, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, s.args()...)
	process.Isolate(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	st := &stream{cmd: cmd, frames: make(chan capture.Frame, 8), failed: make(chan struct{}), timeout: s.timeout()}
	cmd.Stderr = &st.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	go st.pump(stdout)
	if s.Logger != nil {
		s.Logger.Debug("decoder started", "pid", cmd.Process.Pid)
	}

	f, err := st.Read(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	st.pending = &f
	return st, nil
}

type stream struct {
	cmd     *exec.Cmd
	frames  chan capture.Frame
	failed  chan struct{}
	mu      sync.Mutex
	err     error
	stderr  tailBuffer
	timeout time.Duration
	pending *capture.Frame
	once    sync.Once
}

func (s *stream) pump(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxFrame)
	sc.Split(splitJPEG)
loop:
	for sc.Scan() {
		data := append([]byte(nil), sc.Bytes()...)
		select {
		case s.frames <- capture.Frame{Data: data, At: time.Now()}:
		case <-s.failed:
			break loop
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	werr := s.cmd.Wait()
	s.mu.Lock()
	s.err = fmt.Errorf("decoder stopped: %w", errors.Join(err, werr, s.stderr.Err()))
	s.mu.Unlock()
	s.once.Do(func() { close(s.failed) })
}

func (s *stream) Read(ctx context.Context) (capture.Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	t := time.NewTimer(s.timeout)
	defer t.Stop()
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.failed:
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return capture.Frame{}, err
		}
		return capture.Frame{}, errors.New("stream closed")
	case <-ctx.Done():
		return capture.Frame{}, ctx.Err()
	case <-t.C:
		return capture.Frame{}, fmt.Errorf("no frame within %s", s.timeout)
	}
}

func (s *stream) Close() error {
	if s.cmd.Process != nil {
		_ = process.KillGroup(s.cmd.Process.Pid, syscall.SIGKILL)
	}
	s.once.Do(func() { close(s.failed) })
	return nil
}

// splitJPEG is a bufio.SplitFunc yielding one SOI..EOI image per token.
// Entropy-coded JPEG data stuffs 0xFF bytes, so EOI only marks the end.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, soi)
	if start < 0 {
		if atEOF || len(data) <= 1 {
			return len(data), nil, nil
		}
		return len(data) - 1, nil, nil
	}
	end := bytes.Index(data[start+len(soi):], eoi)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(soi) + end + len(eoi)
	return stop, data[start:stop], nil
}

// tailBuffer keeps the last few KB of a subprocess's stderr.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-tailSize:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Err returns the stderr tail as an error, or nil when empty.
func (t *tailBuffer) Err() error {
	if s := t.String(); s != "" {
		return errors.New(s)
	}
	return nil
}
