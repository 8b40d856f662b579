package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type funcRunner func(ctx context.Context, page int) crawler.FetchResult

func (f funcRunner) Run(ctx context.Context, page int) crawler.FetchResult {
	return f(ctx, page)
}

func collect(t *testing.T, updates <-chan Update) (started []int, results []crawler.FetchResult) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return started, results
			}
			if u.Started {
				started = append(started, u.Page)
				continue
			}
			results = append(results, u.Result)
		case <-timeout:
			t.Fatal("pool did not finish")
		}
	}
}

func TestPoolYieldsOneResultPerPage(t *testing.T) {
	t.Parallel()

	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeSuccess}
	})
	pool := New(runner, nil, zap.NewNop())

	started, results := collect(t, pool.SubmitAll(context.Background(), crawler.PageRange(10), 3))

	require.Len(t, started, 10)
	require.Len(t, results, 10)
	seen := map[int]bool{}
	for _, r := range results {
		require.False(t, seen[r.Page], "duplicate page %d", r.Page)
		seen[r.Page] = true
	}
	for page := 1; page <= 10; page++ {
		require.True(t, seen[page], "missing page %d", page)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeSuccess}
	})
	pool := New(runner, nil, zap.NewNop())

	_, results := collect(t, pool.SubmitAll(context.Background(), crawler.PageRange(12), 3))

	require.Len(t, results, 12)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPoolIsolatesFailures(t *testing.T) {
	t.Parallel()

	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		if page == 4 {
			return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeFailed, Kind: crawler.FailureRender, Reason: "boom"}
		}
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeSuccess}
	})
	pool := New(runner, nil, zap.NewNop())

	_, results := collect(t, pool.SubmitAll(context.Background(), crawler.PageRange(10), 3))

	failures := 0
	for _, r := range results {
		if r.Outcome == crawler.OutcomeFailed {
			failures++
			require.Equal(t, 4, r.Page)
		}
	}
	require.Equal(t, 1, failures)
	require.Len(t, results, 10)
}

func TestPoolCancellationDrainsInFlight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Int32
	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		once.Do(func() {
			cancel()
			close(release)
		})
		<-release
		finished.Add(1)
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeSuccess}
	})
	pool := New(runner, nil, zap.NewNop())

	started, results := collect(t, pool.SubmitAll(ctx, crawler.PageRange(20), 2))

	require.Len(t, results, 20)
	require.Equal(t, int32(len(started)), finished.Load())
	canceled := 0
	for _, r := range results {
		if r.Kind == crawler.FailureCanceled {
			canceled++
		}
	}
	require.Equal(t, 20-len(started), canceled)
	require.Positive(t, canceled)
}

func TestPoolEmptyAndDefaultLimit(t *testing.T) {
	t.Parallel()

	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeEmpty}
	})
	pool := New(runner, nil, zap.NewNop())

	_, results := collect(t, pool.SubmitAll(context.Background(), nil, 4))
	require.Empty(t, results)

	_, results = collect(t, pool.SubmitAll(context.Background(), []int{7}, 0))
	require.Len(t, results, 1)
	require.Equal(t, 7, results[0].Page)
}

func TestPoolBuffersScaleWithWorkersNotPages(t *testing.T) {
	t.Parallel()

	runner := funcRunner(func(_ context.Context, page int) crawler.FetchResult {
		return crawler.FetchResult{Page: page, Outcome: crawler.OutcomeSuccess}
	})
	pool := New(runner, nil, zap.NewNop())

	updates := pool.SubmitAll(context.Background(), crawler.PageRange(5000), 2)
	require.Equal(t, 4, cap(updates))

	started, results := collect(t, updates)
	require.Len(t, started, 5000)
	require.Len(t, results, 5000)
}
