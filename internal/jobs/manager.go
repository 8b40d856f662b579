// Package jobs runs crawls in the background and tracks them in a job store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/export"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/progress/sinks"
)

// ErrFinished is returned when canceling a job that already ended.
var ErrFinished = errors.New("job already finished")

// Runner executes one crawl. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error)
}

// RunnerFactory builds a fresh Runner for each job.
type RunnerFactory func(job crawler.CrawlJob) (Runner, error)

// Config holds manager settings.
type Config struct {
	// Topic receives one notification per finished job.
	Topic string
	// ExportFormat selects the encoding written to the blob store.
	ExportFormat export.Format
	// Relay tunes batching of progress into the job store.
	Relay progress.Config
}

// Notification is the payload published when a job ends.
type Notification struct {
	JobID       string            `json:"job_id"`
	Status      crawler.JobStatus `json:"status"`
	URL         string            `json:"url"`
	TotalPages  int               `json:"total_pages"`
	Records     int               `json:"records"`
	FailedPages []int             `json:"failed_pages"`
	ResultURI   string            `json:"result_uri,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Manager owns background crawl goroutines.
type Manager struct {
	store     crawler.JobStore
	publisher crawler.Publisher
	exporter  *export.Exporter
	ids       crawler.IDGenerator
	clock     crawler.Clock
	newRunner RunnerFactory
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a Manager. publisher and exporter may be nil.
func NewManager(
	store crawler.JobStore,
	publisher crawler.Publisher,
	exporter *export.Exporter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	newRunner RunnerFactory,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExportFormat == "" {
		cfg.ExportFormat = export.FormatJSON
	}
	return &Manager{
		store:     store,
		publisher: publisher,
		exporter:  exporter,
		ids:       ids,
		clock:     clock,
		newRunner: newRunner,
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

// Submit validates job, records it as queued and starts it in the background.
func (m *Manager) Submit(ctx context.Context, job crawler.CrawlJob) (crawler.Job, error) {
	if err := job.Validate(); err != nil {
		return crawler.Job{}, err
	}
	runner, err := m.newRunner(job)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("%w: %v", crawler.ErrInvalidJob, err)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	record := crawler.Job{
		ID:        id,
		Status:    crawler.JobStatusQueued,
		Submitted: m.clock.Now().UTC(),
		Request:   job,
	}
	if err := m.store.CreateJob(ctx, record); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(id)
		m.run(runCtx, record, runner)
	}()
	m.logger.Info("job submitted", zap.String("job_id", id), zap.String("url", job.URL))
	return record, nil
}

// Status returns the stored job.
func (m *Manager) Status(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Result returns the stored result of a finished job.
func (m *Manager) Result(ctx context.Context, id string) (crawler.CrawlResult, error) {
	result, err := m.store.GetResult(ctx, id)
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("get result: %w", err)
	}
	return result, nil
}

// Cancel stops a running job. The job ends as canceled with the pages
// finished so far as its result. Once the crawl has returned, Cancel reports
// ErrFinished even if the final status is not stored yet.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	cancel, ok := m.running[id]
	if ok {
		cancel()
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("job cancel requested", zap.String("job_id", id))
		return nil
	}
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	return fmt.Errorf("job %s: %w", id, ErrFinished)
}

// Running reports how many jobs are in flight.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown cancels every running job and waits for them to record their
// final state, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs shutdown: %w", ctx.Err())
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
	m.mu.Unlock()
}

// release drops id from the running set and reports whether a cancel was
// accepted before it left.
func (m *Manager) release(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	canceled := ctx.Err() != nil
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
	return canceled
}

func (m *Manager) run(ctx context.Context, record crawler.Job, runner Runner) {
	logger := m.logger.With(zap.String("job_id", record.ID))
	// Bookkeeping must outlive cancellation of the crawl itself.
	bg := context.WithoutCancel(ctx)

	if err := m.store.UpdateJobStatus(bg, record.ID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		logger.Warn("mark job running failed", zap.Error(err))
	}

	bus := progress.NewBus()
	relayCfg := m.cfg.Relay
	relayCfg.Logger = logger.Named("relay")
	relay := progress.NewRelay(relayCfg,
		sinks.NewStoreSink(m.store, record.ID, logger.Named("store_sink")),
		sinks.NewLogSink(logger.Named("progress")),
	)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(bg, bus); err != nil {
			logger.Warn("progress relay stopped", zap.Error(err))
		}
	}()

	result, runErr := runner.Run(ctx, record.Request, bus)
	if m.release(ctx, record.ID) && runErr == nil {
		// A caller was told the cancel was accepted; honor that.
		runErr = fmt.Errorf("%w: cancel accepted as the crawl finished", crawler.ErrCanceled)
	}
	if !bus.Closed() {
		// The runner returned without a terminal event; close the stream so
		// the relay can finish.
		reason := "crawl ended without a terminal event"
		if runErr != nil {
			reason = runErr.Error()
		}
		_ = bus.Publish(progress.CrawlFailed(reason))
	}
	<-relayDone

	status := crawler.JobStatusSucceeded
	errText := ""
	switch {
	case errors.Is(runErr, crawler.ErrCanceled):
		status = crawler.JobStatusCanceled
		errText = runErr.Error()
	case runErr != nil:
		status = crawler.JobStatusFailed
		errText = runErr.Error()
	}

	if err := m.store.SaveResult(bg, record.ID, result); err != nil {
		logger.Error("save result failed", zap.Error(err))
	}
	uri := m.export(bg, record.ID, result, status, logger)
	if err := m.store.UpdateJobStatus(bg, record.ID, status, errText, crawler.CountersFor(result)); err != nil {
		logger.Error("record final status failed", zap.Error(err))
	}
	m.notify(bg, Notification{
		JobID:       record.ID,
		Status:      status,
		URL:         record.Request.URL,
		TotalPages:  result.TotalPages,
		Records:     len(result.Records),
		FailedPages: result.FailedPages(),
		ResultURI:   uri,
		Error:       errText,
	}, logger)
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("records", len(result.Records)),
		zap.String("result_uri", uri),
	)
}

func (m *Manager) export(
	ctx context.Context,
	id string,
	result crawler.CrawlResult,
	status crawler.JobStatus,
	logger *zap.Logger,
) string {
	if m.exporter == nil || status == crawler.JobStatusFailed {
		return ""
	}
	uri, err := m.exporter.Export(ctx, id, m.cfg.ExportFormat, result)
	if err != nil {
		logger.Error("export result failed", zap.Error(err))
		return ""
	}
	return uri
}

func (m *Manager) notify(ctx context.Context, n Notification, logger *zap.Logger) {
	if m.publisher == nil {
		return
	}
	id, err := m.publisher.Publish(ctx, m.cfg.Topic, n)
	if err != nil {
		logger.Warn("publish job notification failed", zap.Error(err))
		return
	}
	logger.Debug("job notification published", zap.String("message_id", id))
}
