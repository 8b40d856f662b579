package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer turns a URL into rendered page content after waiting settle for
// client-side scripts to finish.
type Renderer interface {
	Render(ctx context.Context, url string, settle time.Duration) (Page, error)
}

// Extractor turns rendered page content into records. looksValid reports
// whether the page looked like a listing page at all, independent of how
// many records it held.
type Extractor interface {
	Extract(page Page) (records []Record, looksValid bool, err error)
}

// JobStore persists asynchronous job metadata and results.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	SaveResult(ctx context.Context, jobID string, result CrawlResult) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetResult(ctx context.Context, jobID string) (CrawlResult, error)
}

// BlobStore writes exported artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for pages awaiting a worker.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
