package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// JobStore keeps jobs and results in maps. It is the default store when no
// database is configured.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]crawler.Job
	results map[string]crawler.CrawlResult
	now     func() time.Time
}

// NewJobStore constructs a JobStore. clock may be nil.
func NewJobStore(clock crawler.Clock) *JobStore {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &JobStore{
		jobs:    make(map[string]crawler.Job),
		results: make(map[string]crawler.CrawlResult),
		now:     now,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrConflict)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus moves a job to status. Updates to a job that already
// reached a terminal status are ignored.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := s.now().UTC()
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	if job.Started == nil && status != crawler.JobStatusQueued {
		job.Started = &now
	}
	if status.Terminal() {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// SaveResult stores the aggregate result of a job.
func (s *JobStore) SaveResult(_ context.Context, jobID string, result crawler.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	s.results[jobID] = result
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, nil
}

// GetResult returns the stored result of a job.
func (s *JobStore) GetResult(_ context.Context, jobID string) (crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return crawler.CrawlResult{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	result, ok := s.results[jobID]
	if !ok {
		return crawler.CrawlResult{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNoResult)
	}
	return result, nil
}
