package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewJobStore(fixedClock{t: now})
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Status: crawler.JobStatusQueued, Submitted: now}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), crawler.ErrConflict)

	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusRunning, "", crawler.JobCounters{TotalPages: 3}))
	running, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, running.Status)
	require.NotNil(t, running.Started)
	require.Nil(t, running.Finished)

	_, err = store.GetResult(ctx, job.ID)
	require.ErrorIs(t, err, crawler.ErrNoResult)

	result := crawler.CrawlResult{URL: "https://example.com", TotalPages: 3, PagesSucceeded: 3}
	require.NoError(t, store.SaveResult(ctx, job.ID, result))
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusSucceeded, "", crawler.CountersFor(result)))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, final.Status)
	require.Equal(t, now, *final.Finished)
	require.Equal(t, 3, final.Counters.PagesSucceeded)

	got, err := store.GetResult(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, result, got)
}

func TestJobStoreTerminalStatusIsSticky(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "j", Status: crawler.JobStatusQueued}))
	require.NoError(t, store.UpdateJobStatus(ctx, "j", crawler.JobStatusCanceled, "canceled by user", crawler.JobCounters{}))
	require.NoError(t, store.UpdateJobStatus(ctx, "j", crawler.JobStatusRunning, "", crawler.JobCounters{Records: 9}))

	job, err := store.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.Zero(t, job.Counters.Records)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.GetResult(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", crawler.JobStatusRunning, "", crawler.JobCounters{}), crawler.ErrNotFound)
	require.ErrorIs(t, store.SaveResult(ctx, "missing", crawler.CrawlResult{}), crawler.ErrNotFound)
}
