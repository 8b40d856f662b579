// Package worker implements the per-page fetch task run by pool workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

const defaultRenderGrace = 60 * time.Second

// Config controls Task behavior.
type Config struct {
	// RenderGrace is added to the job's settle budget to form each render's
	// budget; it covers navigation and snapshotting. The renderer starts the
	// clock after its rate-limit and tab waits.
	RenderGrace time.Duration
}

// Task renders and extracts single pages of one crawl job. A Task is safe for
// concurrent use; each Run call handles one page.
type Task struct {
	job       crawler.CrawlJob
	renderer  crawler.Renderer
	extractor crawler.Extractor
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Task for job.
func New(
	job crawler.CrawlJob,
	renderer crawler.Renderer,
	extractor crawler.Extractor,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Task {
	if cfg.RenderGrace <= 0 {
		cfg.RenderGrace = defaultRenderGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		job:       job,
		renderer:  renderer,
		extractor: extractor,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run fetches one page and classifies the outcome. It never returns an error
// and never panics: every failure is folded into the FetchResult.
func (t *Task) Run(ctx context.Context, page int) (result crawler.FetchResult) {
	start := t.now()
	stage := crawler.FailureRender
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("page task panicked", zap.Int("page", page), zap.Any("panic", r))
			result = failed(page, stage, fmt.Errorf("panic: %v", r))
		}
		result.Duration = t.now().Sub(start)
		metrics.ObservePage(t.job.URL, string(result.Outcome), len(result.Records))
	}()

	if err := ctx.Err(); err != nil {
		return failed(page, crawler.FailureCanceled, crawler.ErrCanceled)
	}

	pageURL, err := crawler.PageURL(t.job.URL, page)
	if err != nil {
		return failed(page, crawler.FailureRender, err)
	}

	// In-flight renders are allowed to finish after the crawl is canceled;
	// they are bounded only by their own budget.
	budget := t.job.Settle + t.cfg.RenderGrace
	renderCtx := crawler.WithRenderBudget(context.WithoutCancel(ctx), budget)

	t.logger.Debug("rendering page", zap.Int("page", page), zap.String("url", pageURL))
	rendered, err := t.renderer.Render(renderCtx, pageURL, t.job.Settle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("render deadline %s exceeded: %w", budget, err)
		}
		t.logger.Warn("page render failed", zap.Int("page", page), zap.Error(err))
		return failed(page, crawler.FailureRender, err)
	}

	stage = crawler.FailureExtract
	records, looksValid, err := t.extractor.Extract(rendered)
	if err != nil {
		t.logger.Warn("page extraction failed", zap.Int("page", page), zap.Error(err))
		return failed(page, crawler.FailureExtract, err)
	}
	for i := range records {
		records[i].Page = page
	}

	result = crawler.FetchResult{
		Page:        page,
		Records:     records,
		Outcome:     crawler.OutcomeSuccess,
		LooksValid:  looksValid,
		FinalStatus: rendered.StatusCode,
	}
	if len(records) == 0 {
		result.Outcome = crawler.OutcomeEmpty
		if !looksValid {
			t.logger.Info("page had no listing content", zap.Int("page", page))
		}
	}
	t.logger.Debug("page done",
		zap.Int("page", page),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("records", len(records)),
	)
	return result
}

func (t *Task) now() time.Time {
	if t.clock == nil {
		return time.Now()
	}
	return t.clock.Now()
}

func failed(page int, kind crawler.FailureKind, err error) crawler.FetchResult {
	return crawler.FetchResult{
		Page:    page,
		Outcome: crawler.OutcomeFailed,
		Kind:    kind,
		Reason:  (&crawler.PageError{Page: page, Kind: kind, Err: err}).Error(),
	}
}
