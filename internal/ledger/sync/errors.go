package sync

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// Errors returned by the orchestrator.
var (
	// ErrAuthMissing means no username or signing key is stored. The operator
	// must log in (activate the account) before syncing.
	ErrAuthMissing = errors.New("account not activated")

	// ErrOffline means the connectivity check failed before any work started.
	ErrOffline = errors.New("device is offline")

	// ErrSyncInProgress is returned to a trigger that arrives while a push
	// cycle is already running. The trigger is dropped, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// BatchFailure describes one rejected upload.
type BatchFailure struct {
	Kind  record.Kind
	Index int // zero-based batch number within the kind
	Size  int
	Err   error
}

// BatchError aggregates every failed batch of one push cycle. The records of
// those batches are still pending.
type BatchError struct {
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	records := 0
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		records += f.Size
		parts = append(parts, fmt.Sprintf("%s batch %d (%d records): %v", f.Kind, f.Index, f.Size, f.Err))
	}
	return fmt.Sprintf("%d records did not sync: %s", records, strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Records returns the number of records left pending by failed batches.
func (e *BatchError) Records() int {
	n := 0
	for _, f := range e.Failures {
		n += f.Size
	}
	return n
}

// PullError reports the kinds whose historical pull failed.
type PullError struct {
	Causes map[record.Kind]error
}

func (e *PullError) Error() string {
	kinds := make([]string, 0, len(e.Causes))
	for k := range e.Causes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Causes[record.Kind(k)]))
	}
	return "historical pull failed: " + strings.Join(parts, "; ")
}

func (e *PullError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes))
	for _, err := range e.Causes {
		errs = append(errs, err)
	}
	return errs
}

// HTTPStatusError is a non-2xx response from the server.
type HTTPStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: server returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
