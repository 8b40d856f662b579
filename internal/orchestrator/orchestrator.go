// Package orchestrator drives one crawl from discovery through aggregation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/dispatcher"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/telemetry"
	"github.com/JakeFAU/listing-crawler/internal/worker"
)

// State is the orchestrator's lifecycle position.
type State int32

// Orchestrator states.
const (
	StateIdle State = iota
	StateDiscovering
	StateScraping
	StateAggregating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateScraping:
		return "scraping"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Estimator turns the first page's content into a page count.
type Estimator interface {
	Estimate(content []byte) int
}

// Config holds orchestrator tuning.
type Config struct {
	// MaxConcurrency clamps a job's requested concurrency; zero means no clamp.
	MaxConcurrency int
	// RenderGrace is passed through to page tasks.
	RenderGrace time.Duration
}

// Orchestrator runs exactly one crawl. Create a new one per job.
type Orchestrator struct {
	renderer  crawler.Renderer
	extractor crawler.Extractor
	estimator Estimator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	state atomic.Int32
}

// New constructs an Orchestrator.
func New(
	renderer crawler.Renderer,
	extractor crawler.Extractor,
	estimator Estimator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		renderer:  renderer,
		extractor: extractor,
		estimator: estimator,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Run executes job, publishing progress to bus. Exactly one terminal event is
// published. The returned error is nil on success, wraps crawler.ErrDiscovery
// when the first page cannot be rendered, and wraps crawler.ErrCanceled when
// ctx ends first; in the canceled case the partial result is still returned.
func (o *Orchestrator) Run(ctx context.Context, job crawler.CrawlJob, bus progress.Publisher) (crawler.CrawlResult, error) {
	start := o.now()
	ctx, span := telemetry.Tracer().Start(ctx, "crawl",
		trace.WithAttributes(attribute.String("crawl.url", job.URL)))
	defer span.End()
	logger := o.logger.With(zap.String("url", job.URL))
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}

	if err := job.Validate(); err != nil {
		o.fail(span, bus, logger, err)
		return crawler.CrawlResult{URL: job.URL}, err
	}

	pages, err := o.discover(ctx, job, bus, logger)
	if err != nil {
		o.fail(span, bus, logger, err)
		return crawler.CrawlResult{URL: job.URL}, err
	}
	span.SetAttributes(attribute.Int("crawl.pages", len(pages)))

	o.setState(StateScraping, logger)
	task := worker.New(job, o.renderer, o.extractor, o.clock, worker.Config{RenderGrace: o.cfg.RenderGrace}, logger.Named("task"))
	pool := dispatcher.New(task, o.clock, logger.Named("pool"))
	concurrency := job.Concurrency
	if o.cfg.MaxConcurrency > 0 && concurrency > o.cfg.MaxConcurrency {
		concurrency = o.cfg.MaxConcurrency
	}

	results := make(map[int]crawler.FetchResult, len(pages))
	for update := range pool.SubmitAll(ctx, pages, concurrency) {
		if update.Started {
			o.publish(bus, logger, progress.PageStarted(update.Page))
			continue
		}
		res := update.Result
		if _, dup := results[res.Page]; dup {
			logger.Error("duplicate page result ignored", zap.Int("page", res.Page))
			continue
		}
		results[res.Page] = res
		if res.Outcome == crawler.OutcomeFailed {
			o.publish(bus, logger, progress.PageFailed(res.Page, res.Reason))
		} else {
			o.publish(bus, logger, progress.PageComplete(res.Page, len(res.Records)))
		}
	}

	o.setState(StateAggregating, logger)
	result := aggregate(job.URL, pages, results)
	result.Elapsed = o.now().Sub(start)

	if ctx.Err() != nil {
		err := fmt.Errorf("%w after %d of %d pages: %v", crawler.ErrCanceled,
			result.PagesSucceeded+result.PagesEmpty, len(pages), ctx.Err())
		o.failWithReason(span, bus, logger, err, crawler.ErrCanceled.Error())
		return result, err
	}

	o.setState(StateDone, logger)
	span.SetAttributes(
		attribute.Int("crawl.records", len(result.Records)),
		attribute.Int("crawl.failed_pages", len(result.Failures)),
	)
	o.publish(bus, logger, progress.CrawlComplete(len(result.Records), result.Elapsed))
	metrics.ObserveCrawl(StateDone.String())
	logger.Info("crawl complete",
		zap.Int("pages", result.TotalPages),
		zap.Int("records", len(result.Records)),
		zap.Ints("failed_pages", result.FailedPages()),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// discover decides which pages to crawl.
func (o *Orchestrator) discover(
	ctx context.Context,
	job crawler.CrawlJob,
	bus progress.Publisher,
	logger *zap.Logger,
) ([]int, error) {
	o.setState(StateDiscovering, logger)
	o.publish(bus, logger, progress.DiscoveryStarted())

	if explicit := job.ExplicitPages(); len(explicit) > 0 {
		o.publish(bus, logger, progress.DiscoveryComplete(explicit[len(explicit)-1]))
		return explicit, nil
	}
	if !job.Discover {
		count := job.FixedPageCount()
		o.publish(bus, logger, progress.DiscoveryComplete(count))
		return crawler.PageRange(count), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", crawler.ErrCanceled, err)
	}
	page, err := o.renderer.Render(ctx, job.URL, job.Settle)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", crawler.ErrCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: render %s: %w", crawler.ErrDiscovery, job.URL, err)
	}
	count := o.estimator.Estimate(page.Body)
	metrics.ObserveDiscovery(count)
	if limit := job.DiscoveryCap(); count > limit {
		logger.Warn("discovered page count capped", zap.Int("discovered", count), zap.Int("cap", limit))
		count = limit
	}
	logger.Info("discovery complete", zap.Int("total_pages", count))
	o.publish(bus, logger, progress.DiscoveryComplete(count))
	return crawler.PageRange(count), nil
}

// aggregate orders results by page and concatenates their records. A page
// with no result, which the pool should never produce, is reported as failed.
// Canceled pages never reached the renderer and do not count as attempted.
func aggregate(url string, pages []int, results map[int]crawler.FetchResult) crawler.CrawlResult {
	ordered := append([]int(nil), pages...)
	sort.Ints(ordered)
	out := crawler.CrawlResult{
		URL:            url,
		TotalPages:     len(ordered),
		Records:        []crawler.Record{},
		Failures:       []crawler.PageFailure{},
	}
	if len(ordered) > 0 {
		out.TotalPages = ordered[len(ordered)-1]
	}
	for _, page := range ordered {
		res, ok := results[page]
		if !ok {
			out.Failures = append(out.Failures, crawler.PageFailure{
				Page: page, Kind: crawler.FailureCanceled, Reason: "no result produced",
			})
			continue
		}
		if res.Kind != crawler.FailureCanceled {
			out.PagesAttempted++
		}
		switch res.Outcome {
		case crawler.OutcomeSuccess:
			out.PagesSucceeded++
			out.Records = append(out.Records, res.Records...)
		case crawler.OutcomeEmpty:
			out.PagesEmpty++
		default:
			out.Failures = append(out.Failures, crawler.PageFailure{Page: page, Kind: res.Kind, Reason: res.Reason})
		}
	}
	return out
}

func (o *Orchestrator) fail(span trace.Span, bus progress.Publisher, logger *zap.Logger, err error) {
	o.failWithReason(span, bus, logger, err, err.Error())
}

func (o *Orchestrator) failWithReason(span trace.Span, bus progress.Publisher, logger *zap.Logger, err error, reason string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	o.setState(StateFailed, logger)
	o.publish(bus, logger, progress.CrawlFailed(reason))
	metrics.ObserveCrawl(StateFailed.String())
	logger.Warn("crawl failed", zap.String("reason", reason))
}

func (o *Orchestrator) publish(bus progress.Publisher, logger *zap.Logger, ev progress.Event) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ev); err != nil && !errors.Is(err, progress.ErrClosed) {
		logger.Error("progress publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) setState(s State, logger *zap.Logger) {
	prev := State(o.state.Swap(int32(s)))
	logger.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", s))
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now()
	}
	return o.clock.Now()
}
