package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"
)

// Errors returned by store operations.
//
// Check them with errors.Is():
//
//	if errors.Is(err, db.ErrNotFound) {
//	    // the id does not exist
//	}
var (
	// ErrNotFound is returned when an update targets an id that does not
	// exist. Reads report absence through their found result instead.
	ErrNotFound = errors.New("record not found")

	// ErrValidation is returned when a record fails the store's invariants
	// before anything is written.
	ErrValidation = errors.New("invalid record")

	// ErrInvalidTransition is returned when a status update would break the
	// pending/synced/failed lifecycle (for example synced -> pending).
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrModified is returned by MarkSynced when the record was saved again
	// after the copy being confirmed was read.
	ErrModified = errors.New("record modified since it was read")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("store is closed")
)

// InitError reports that the store could not be brought into a usable state.
// It is fatal for the session: callers must stop and offer exit or Reset.
type InitError struct {
	// Stage is where initialization failed: "open", "pool" or "migrate".
	Stage string
	// Migration names the failing migration when Stage is "migrate".
	Migration string
	Err       error
}

func (e *InitError) Error() string {
	if e.Migration != "" {
		return fmt.Sprintf("store init failed at %s (%s): %v", e.Stage, e.Migration, e.Err)
	}
	return fmt.Sprintf("store init failed at %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// OperationError reports that a store operation kept failing after the pool
// had been rebuilt between attempts.
type OperationError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the store cannot be used for the rest of
// the session.
func IsFatal(err error) bool {
	var initErr *InitError
	return errors.As(err, &initErr) || errors.Is(err, ErrClosed)
}

// IsRetryable reports whether err came from exhausted pool recovery, where a
// later retry by the operator may succeed.
func IsRetryable(err error) bool {
	var opErr *OperationError
	return errors.As(err, &opErr)
}

// isPermanent reports whether retrying err on a fresh handle is pointless.
// Logical rejections and constraint violations fail the same way every time.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrModified),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, sqlite3.CONSTRAINT):
		return true
	}
	return false
}
