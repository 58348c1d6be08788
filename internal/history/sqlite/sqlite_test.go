package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camwarden/internal/history"
)

func TestSinkRecordsEvents(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()
	for _, typ := range []history.EventType{history.EventStart, history.EventCrash, history.EventStart} {
		require.NoError(t, sink.Send(ctx, history.Event{
			Type: typ, OccurredAt: now, Component: "workload", Source: "capture", PID: 4242,
		}))
	}
	n, err := sink.Count(ctx, "capture", history.EventStart)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.Count(ctx, "capture", history.EventCrash)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
