package upload

import (
	"errors"
	"os"
)

// Class separates failures worth retrying from those that never succeed.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Remote clients use it for
// rejections such as bad credentials or a missing bucket.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify reports whether err should be retried. Anything not explicitly
// marked permanent, context cancellation included, is a transient network
// failure.
func Classify(err error) Class {
	var p *permanentError
	switch {
	case err == nil:
		return ClassTransient
	case errors.As(err, &p):
		return ClassPermanent
	case errors.Is(err, os.ErrPermission):
		return ClassPermanent
	}
	return ClassTransient
}
