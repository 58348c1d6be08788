package capture

import (
	"bufio"
	"errors"
	"os"
	"time"
)

// MJPEGWriters writes segments as concatenated JPEG frames. The result
// plays in most players and needs no encoder process.
type MJPEGWriters struct{}

func (MJPEGWriters) Create(path string, _ time.Time) (SegmentWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &mjpegWriter{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

type mjpegWriter struct {
	f *os.File
	w *bufio.Writer
}

func (m *mjpegWriter) Write(fr Frame) error {
	if m.f == nil {
		return os.ErrClosed
	}
	_, err := m.w.Write(fr.Data)
	return err
}

func (m *mjpegWriter) Close() error {
	if m.f == nil {
		return nil
	}
	f := m.f
	m.f = nil
	return errors.Join(m.w.Flush(), f.Sync(), f.Close())
}
