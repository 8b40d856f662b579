package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/export"
	memorypublisher "github.com/JakeFAU/listing-crawler/internal/publisher/memory"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type runnerFunc func(ctx context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error)

func (f runnerFunc) Run(ctx context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
	return f(ctx, job, bus)
}

type harness struct {
	mgr   *Manager
	store *memory.JobStore
	blobs *memory.BlobStore
	pub   *memorypublisher.Publisher
}

func newHarness(t *testing.T, runner Runner) harness {
	t.Helper()
	clk := system.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	h := harness{
		store: memory.NewJobStore(clk),
		blobs: memory.NewBlobStore(),
		pub:   memorypublisher.New(),
	}
	h.mgr = NewManager(h.store, h.pub, export.NewExporter(h.blobs, "exports"), &seqIDs{}, clk,
		func(crawler.CrawlJob) (Runner, error) { return runner, nil },
		Config{Topic: "crawls", ExportFormat: export.FormatCSV, Relay: progress.Config{MaxBatchWait: 10 * time.Millisecond}},
		nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.mgr.Shutdown(ctx))
	})
	return h
}

func (h harness) waitStatus(t *testing.T, id string, want crawler.JobStatus) crawler.Job {
	t.Helper()
	var job crawler.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.mgr.Status(context.Background(), id)
		return err == nil && job.Status == want && h.mgr.Running() == 0
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func validJob() crawler.CrawlJob {
	return crawler.CrawlJob{URL: "https://example.com/lots", Concurrency: 2, PageCount: 2}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
		_ = bus.Publish(progress.DiscoveryStarted())
		_ = bus.Publish(progress.DiscoveryComplete(2))
		_ = bus.Publish(progress.PageComplete(1, 1))
		_ = bus.Publish(progress.PageFailed(2, "render: timeout"))
		_ = bus.Publish(progress.CrawlComplete(1, time.Second))
		return crawler.CrawlResult{
			URL:            job.URL,
			TotalPages:     2,
			PagesAttempted: 2,
			PagesSucceeded: 1,
			Records:        []crawler.Record{{Page: 1, Fields: map[string]string{"title": "Lot"}}},
			Failures:       []crawler.PageFailure{{Page: 2, Kind: crawler.FailureRender, Reason: "timeout"}},
		}, nil
	})
	h := newHarness(t, runner)

	rec, err := h.mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	require.Equal(t, "job-1", rec.ID)
	require.Equal(t, crawler.JobStatusQueued, rec.Status)

	job := h.waitStatus(t, rec.ID, crawler.JobStatusSucceeded)
	require.Equal(t, crawler.JobCounters{TotalPages: 2, PagesSucceeded: 1, PagesFailed: 1, Records: 1}, job.Counters)
	require.NotNil(t, job.Finished)

	result, err := h.mgr.Result(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, []int{2}, result.FailedPages())

	obj, ok := h.blobs.Get("exports/job-1/result.csv")
	require.True(t, ok)
	require.Equal(t, "page,title\n1,Lot\n", string(obj.Data))

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawls", msgs[0].Topic)
	var n Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &n))
	require.Equal(t, crawler.JobStatusSucceeded, n.Status)
	require.Equal(t, []int{2}, n.FailedPages)
	require.Equal(t, "memory://exports/job-1/result.csv", n.ResultURI)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(nil))
	_, err := h.mgr.Submit(context.Background(), crawler.CrawlJob{URL: "ftp://example.com"})
	require.ErrorIs(t, err, crawler.ErrInvalidJob)
}

func TestFailedJobRecordsError(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
		err := fmt.Errorf("%w: render page 1: timeout", crawler.ErrDiscovery)
		_ = bus.Publish(progress.CrawlFailed(err.Error()))
		return crawler.CrawlResult{URL: job.URL}, err
	})
	h := newHarness(t, runner)

	rec, err := h.mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	job := h.waitStatus(t, rec.ID, crawler.JobStatusFailed)
	require.Contains(t, job.ErrorText, "discovery failed")
	require.Empty(t, h.blobs.Paths())

	var n Notification
	require.NoError(t, json.Unmarshal(h.pub.Messages()[0].Data, &n))
	require.Equal(t, crawler.JobStatusFailed, n.Status)
	require.Empty(t, n.ResultURI)
}

func TestCancelKeepsPartialResult(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
		_ = bus.Publish(progress.PageComplete(1, 1))
		close(started)
		<-ctx.Done()
		_ = bus.Publish(progress.CrawlFailed(crawler.ErrCanceled.Error()))
		return crawler.CrawlResult{
			URL:            job.URL,
			TotalPages:     2,
			PagesSucceeded: 1,
			Records:        []crawler.Record{{Page: 1, Fields: map[string]string{"title": "Lot"}}},
		}, crawler.ErrCanceled
	})
	h := newHarness(t, runner)

	rec, err := h.mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	<-started
	require.NoError(t, h.mgr.Cancel(context.Background(), rec.ID))

	job := h.waitStatus(t, rec.ID, crawler.JobStatusCanceled)
	require.Equal(t, 1, job.Counters.Records)
	result, err := h.mgr.Result(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	require.ErrorIs(t, h.mgr.Cancel(context.Background(), rec.ID), ErrFinished)
	require.ErrorIs(t, h.mgr.Cancel(context.Background(), "nope"), crawler.ErrNotFound)
}

// gatedStore holds the final status write open until release is closed.
type gatedStore struct {
	*memory.JobStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateJobStatus(
	ctx context.Context,
	id string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	if status == crawler.JobStatusSucceeded {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.JobStore.UpdateJobStatus(ctx, id, status, errText, counters)
}

func TestCancelAfterCrawlReturnsIsFinished(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	store := &gatedStore{
		JobStore: memory.NewJobStore(clk),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	runner := runnerFunc(func(_ context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
		_ = bus.Publish(progress.CrawlComplete(0, time.Millisecond))
		return crawler.CrawlResult{URL: job.URL, TotalPages: 2, PagesSucceeded: 2}, nil
	})
	mgr := NewManager(store, nil, nil, &seqIDs{}, clk,
		func(crawler.CrawlJob) (Runner, error) { return runner, nil },
		Config{Relay: progress.Config{MaxBatchWait: 10 * time.Millisecond}}, nil)

	rec, err := mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("final status was never written")
	}

	require.Zero(t, mgr.Running())
	require.ErrorIs(t, mgr.Cancel(context.Background(), rec.ID), ErrFinished)

	close(store.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
	job, err := mgr.Status(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
}

func TestAcceptedCancelWinsOverLateSuccess(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job crawler.CrawlJob, _ progress.Publisher) (crawler.CrawlResult, error) {
		close(started)
		<-ctx.Done()
		// Every page had already finished, so the runner reports success.
		return crawler.CrawlResult{URL: job.URL, TotalPages: 2, PagesSucceeded: 2}, nil
	})
	h := newHarness(t, runner)

	rec, err := h.mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	<-started
	require.NoError(t, h.mgr.Cancel(context.Background(), rec.ID))

	job := h.waitStatus(t, rec.ID, crawler.JobStatusCanceled)
	require.Contains(t, job.ErrorText, crawler.ErrCanceled.Error())
}

func TestRunnerWithoutTerminalEventStillFinishes(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(context.Context, crawler.CrawlJob, progress.Publisher) (crawler.CrawlResult, error) {
		return crawler.CrawlResult{}, errors.New("boom")
	})
	h := newHarness(t, runner)

	rec, err := h.mgr.Submit(context.Background(), validJob())
	require.NoError(t, err)
	job := h.waitStatus(t, rec.ID, crawler.JobStatusFailed)
	require.Equal(t, "boom", job.ErrorText)
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, runnerFunc(nil))
	_, err := h.mgr.Status(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = h.mgr.Result(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
