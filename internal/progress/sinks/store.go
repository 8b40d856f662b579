package sinks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// StatusUpdater is the slice of crawler.JobStore the sink needs.
type StatusUpdater interface {
	UpdateJobStatus(ctx context.Context, jobID string, status crawler.JobStatus, errText string, counters crawler.JobCounters) error
}

// StoreSink keeps a running job's counters current in the job store. It
// writes at most once per batch. Terminal status is left to the job owner,
// which also holds the final result.
type StoreSink struct {
	repo   StatusUpdater
	jobID  string
	logger *zap.Logger

	mu       sync.Mutex
	counters crawler.JobCounters
}

// NewStoreSink constructs a StoreSink for one job.
func NewStoreSink(repo StatusUpdater, jobID string, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, jobID: jobID, logger: logger}
}

// Consume folds the batch into the counters and persists them when they
// changed.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	s.mu.Lock()
	changed := false
	for _, evt := range batch {
		switch evt.Type {
		case progress.TypeDiscoveryComplete:
			s.counters.TotalPages = evt.TotalPages
		case progress.TypePageComplete:
			if evt.Records > 0 {
				s.counters.PagesSucceeded++
			} else {
				s.counters.PagesEmpty++
			}
			s.counters.Records += evt.Records
		case progress.TypePageFailed:
			s.counters.PagesFailed++
		default:
			continue
		}
		changed = true
	}
	counters := s.counters
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if err := s.repo.UpdateJobStatus(ctx, s.jobID, crawler.JobStatusRunning, "", counters); err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	s.logger.Debug("job counters updated", zap.String("job_id", s.jobID), zap.Any("counters", counters))
	return nil
}

// Counters returns the counters accumulated so far.
func (s *StoreSink) Counters() crawler.JobCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
