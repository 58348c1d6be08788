// Package capture turns one camera's frame stream into a time-ordered
// sequence of independently playable segment files. A segment is written
// to a ".partial" file and renamed once its container is finalized, so a
// visible segment file is always complete.
package capture

import (
	"context"
	"time"
)

// Frame is one encoded picture read from the camera.
type Frame struct {
	Data []byte
	At   time.Time
}

// Stream is an open connection to a camera.
type Stream interface {
	// Read blocks until the next frame arrives, the stream fails or ctx
	// is done. Implementations bound the wait with their own read timeout.
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// FrameSource opens streams to one camera.
type FrameSource interface {
	Open(ctx context.Context) (Stream, error)
}

// SegmentWriter appends frames to one segment container. Close finalizes
// the container; a segment is playable only after Close returns nil.
type SegmentWriter interface {
	Write(f Frame) error
	Close() error
}

// WriterFactory creates the writer for a new segment at path.
type WriterFactory interface {
	Create(path string, start time.Time) (SegmentWriter, error)
}

// Segment is one finalized chunk of a camera recording, [Start, End).
type Segment struct {
	Camera     string    `json:"camera"`
	Resolution string    `json:"resolution"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Path       string    `json:"path"`
	Frames     int       `json:"frames"`
	Reason     string    `json:"reason"`
	Finalized  bool      `json:"finalized"`
}

func (s Segment) Duration() time.Duration { return s.End.Sub(s.Start) }

// Sink receives every finalized segment.
type Sink interface {
	Segment(ctx context.Context, s Segment) error
}

// Segment finalization reasons.
const (
	ReasonCheckpoint = "checkpoint"
	ReasonDisconnect = "disconnect"
	ReasonFPSFloor   = "fps_floor"
	ReasonWriteError = "write_error"
	ReasonStop       = "stop"
)
