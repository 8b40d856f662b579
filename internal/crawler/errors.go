package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscovery is returned when the first page cannot be rendered and the
	// page count is therefore unknown.
	ErrDiscovery = errors.New("discovery failed")
	// ErrCanceled is returned when a crawl is canceled before it completes.
	ErrCanceled = errors.New("crawl canceled")
	// ErrInvalidJob is returned for crawl requests that cannot be run.
	ErrInvalidJob = errors.New("invalid crawl job")
	// ErrNotFound is returned by stores for unknown job IDs.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when creating a job whose ID already exists.
	ErrConflict = errors.New("already exists")
	// ErrNoResult is returned for jobs that have not stored a result yet.
	ErrNoResult = errors.New("result not available")
)

// PageError records which stage of a page fetch failed.
type PageError struct {
	Page int
	Kind FailureKind
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d %s: %v", e.Page, e.Kind, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}
