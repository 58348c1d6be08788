// Package store is the local tracking store for artifacts awaiting remote
// delivery. It is the only state shared between the capture process
// (producer) and the upload queue (consumer); every mutation of one
// artifact is a single transaction.
package store

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSuccess         Status = "SUCCESS"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrExists   = errors.New("artifact already tracked")
)

// Artifact is one locally durable file awaiting confirmed delivery.
type Artifact struct {
	Filename    string        `json:"filename" yaml:"filename"`
	LocalPath   string        `json:"local_path" yaml:"local_path"`
	RemoteKey   string        `json:"remote_key" yaml:"remote_key"`
	Camera      string        `json:"camera" yaml:"camera"`
	Resolution  string        `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	CapturedAt  time.Time     `json:"captured_at" yaml:"captured_at"`
	Duration    time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Size        int64         `json:"size" yaml:"size"`
	Status      Status        `json:"status" yaml:"status"`
	Attempts    int           `json:"attempts" yaml:"attempts"`
	LastError   string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastAttempt time.Time     `json:"last_attempt,omitzero" yaml:"last_attempt,omitempty"`
	RemoteURL   string        `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Repository hides the storage mechanism from producers and the queue.
type Repository interface {
	// MarkPending records a new artifact before any network attempt.
	// It returns ErrExists if the filename is already tracked.
	MarkPending(ctx context.Context, a Artifact) error
	// Claim leases a PENDING artifact for one upload attempt. ok is false
	// when another attempt holds the lease or the artifact is not pending.
	Claim(ctx context.Context, filename string, lease time.Duration) (Artifact, bool, error)
	// MarkUploaded records the object URL after a successful PUT.
	MarkUploaded(ctx context.Context, filename, url string) error
	MarkSuccess(ctx context.Context, filename string) error
	// MarkAttemptFailed counts a failed attempt, records err and releases the
	// lease. Reaching maxAttempts turns the artifact FAILED_PERMANENT.
	MarkAttemptFailed(ctx context.Context, filename, errMsg string, maxAttempts int) (Status, error)
	// MarkFailed records a permanent failure immediately.
	MarkFailed(ctx context.Context, filename, errMsg string) error
	// ListPendingForRetry returns unleased PENDING artifacts with attempts
	// below maxAttempts, oldest capture first.
	ListPendingForRetry(ctx context.Context, limit, maxAttempts int) ([]Artifact, error)
	Get(ctx context.Context, filename string) (Artifact, error)
	Counts(ctx context.Context) (map[Status]int, error)
	// ResetFailed returns FAILED_PERMANENT artifacts to PENDING with zero attempts.
	ResetFailed(ctx context.Context) (int, error)
	// PruneSuccess deletes SUCCESS rows last updated before olderThan.
	PruneSuccess(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
