package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a session or candidate id does not exist.
	// Callers treat it as "already ended".
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on duplicate creates and set-once fields.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned by Backend.ReplaceSession when the stored
	// version moved. Store.Update retries on it; it never escapes Update.
	ErrConflict = errors.New("store: version conflict")

	// ErrSignalingWriteFailed is returned when a write kept failing after retries.
	ErrSignalingWriteFailed = errors.New("store: signaling write failed")

	// ErrNoChange may be returned by an Update mutation to skip the write.
	ErrNoChange = errors.New("store: no change")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// transient reports whether err is worth retrying: anything that is not a
// definite answer from the store and not a cancellation.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrNoChange),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
