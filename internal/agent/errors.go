package agent

import (
	"context"
	"errors"
)

// permanentError marks a failure that retrying cannot fix (malformed payload,
// rejected by a hard policy check, resource gone). Everything not wrapped is
// treated as transient and retried with backoff.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the task fails immediately instead of being
// retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a task failure should skip the retry path.
// Deadline expiry stays transient: a slow downstream may recover. An explicit
// cancellation is permanent, the work was asked to stop.
func IsPermanent(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
