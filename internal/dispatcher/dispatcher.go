// Package dispatcher fans page tasks out over a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	queueMemory "github.com/JakeFAU/listing-crawler/internal/queue/memory"
)

// Runner processes one page. Implementations must not panic and must return
// exactly one result per call.
type Runner interface {
	Run(ctx context.Context, page int) crawler.FetchResult
}

// Update is emitted by the pool: a start notice when a worker picks a page up,
// then the page's result once it finishes.
type Update struct {
	Page    int
	Started bool
	Result  crawler.FetchResult
}

// Pool runs at most a fixed number of page tasks at a time.
type Pool struct {
	runner Runner
	clock  crawler.Clock
	logger *zap.Logger
}

// New creates a Pool over runner.
func New(runner Runner, clock crawler.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{runner: runner, clock: clock, logger: logger}
}

// SubmitAll feeds pages to up to limit workers. Updates arrive in completion
// order. The channel is closed only after every worker has returned, so
// draining it doubles as waiting for shutdown. Canceling ctx stops new pages
// from starting; pages not yet started yield canceled results. Buffers are
// sized by limit, never by the number of pages, so the caller must keep
// draining the channel.
func (p *Pool) SubmitAll(ctx context.Context, pages []int, limit int) <-chan Update {
	if limit < 1 {
		limit = 1
	}
	if limit > len(pages) {
		limit = len(pages)
	}
	out := make(chan Update, 2*limit)
	queue := queueMemory.NewQueue(limit)

	p.logger.Debug("pool started", zap.Int("pages", len(pages)), zap.Int("workers", limit))
	var wg sync.WaitGroup
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			p.work(ctx, queue, out, p.logger.With(zap.Int("worker", index)))
		}(i)
	}
	go func() {
		defer queue.Close()
		for _, page := range pages {
			// Workers drain until the queue closes, so this never blocks for good.
			if err := queue.Enqueue(context.Background(), crawler.QueueItem{Page: page, Enqueued: p.now()}); err != nil {
				p.logger.Error("page enqueue failed", zap.Int("page", page), zap.Error(err))
				out <- Update{Page: page, Result: canceledResult(page)}
			}
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) work(ctx context.Context, queue crawler.Queue, out chan<- Update, logger *zap.Logger) {
	for {
		item, err := queue.Dequeue(context.Background())
		if err != nil {
			if !errors.Is(err, queueMemory.ErrClosed) {
				logger.Error("queue dequeue failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			out <- Update{Page: item.Page, Result: canceledResult(item.Page)}
			continue
		}
		out <- Update{Page: item.Page, Started: true}
		metrics.IncActiveWorkers()
		result := p.runner.Run(ctx, item.Page)
		metrics.DecActiveWorkers()
		result.Page = item.Page
		out <- Update{Page: item.Page, Result: result}
	}
}

func (p *Pool) now() time.Time {
	if p.clock == nil {
		return time.Now()
	}
	return p.clock.Now()
}

func canceledResult(page int) crawler.FetchResult {
	return crawler.FetchResult{
		Page:    page,
		Outcome: crawler.OutcomeFailed,
		Kind:    crawler.FailureCanceled,
		Reason:  (&crawler.PageError{Page: page, Kind: crawler.FailureCanceled, Err: crawler.ErrCanceled}).Error(),
	}
}
