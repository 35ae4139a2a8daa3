// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"

	"github-history-ingestor/internal/model"
)

// ErrScopeBusy is returned when an ingestion run is requested for a scope
// that already has an ingestor in flight.
var ErrScopeBusy = errors.New("scope already has an ingestion in flight")

// ErrInvalidRepoFormat is returned when a repository string in the config is
// not in 'owner/name' or 'owner/name@branch' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name' or 'owner/name@branch'", e.Repo)
}

// FetchFailedError reports a page fetch that exhausted its retry budget (or
// was cancelled mid-retry). It carries the scope and the cursor the page was
// requested from, so the caller can resume later without data loss.
type FetchFailedError struct {
	Scope    model.Scope
	Cursor   model.Cursor
	Attempts int
	Err      error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed for %s after %d attempts: %v", e.Scope, e.Attempts, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// FetchFatalError reports a permanent fetch failure: missing repository or
// branch, rejected credentials, or a response the client cannot interpret.
// It is never retried.
type FetchFatalError struct {
	Scope  model.Scope
	Reason string
	Err    error
}

func (e *FetchFatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal fetch error for %s: %s: %v", e.Scope, e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal fetch error for %s: %s", e.Scope, e.Reason)
}

func (e *FetchFatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is (or wraps) a FetchFatalError.
func IsFatal(err error) bool {
	var fatal *FetchFatalError
	return errors.As(err, &fatal)
}
