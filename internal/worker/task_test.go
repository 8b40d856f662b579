package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) Render(ctx context.Context, url string, settle time.Duration) (crawler.Page, error) {
	args := m.Called(ctx, url, settle)
	return args.Get(0).(crawler.Page), args.Error(1)
}

type stubExtractor struct {
	records []crawler.Record
	valid   bool
	err     error
	panics  bool
}

func (s stubExtractor) Extract(crawler.Page) ([]crawler.Record, bool, error) {
	if s.panics {
		panic("selector exploded")
	}
	out := make([]crawler.Record, len(s.records))
	copy(out, s.records)
	return out, s.valid, s.err
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(100, 0) }

func newJob() crawler.CrawlJob {
	return crawler.CrawlJob{URL: "https://lots.test/list?cat=cars", Settle: 2 * time.Second}
}

func TestTaskRunSuccessTagsRecords(t *testing.T) {
	t.Parallel()

	renderer := &mockRenderer{}
	renderer.On("Render", mock.Anything, "https://lots.test/list?cat=cars&page=3", 2*time.Second).
		Return(crawler.Page{URL: "https://lots.test/list?cat=cars&page=3", StatusCode: 200, Body: []byte("<html/>")}, nil)
	extractor := stubExtractor{
		records: []crawler.Record{
			{Fields: map[string]string{"title": "Sedan"}},
			{Fields: map[string]string{"title": "Wagon"}},
		},
		valid: true,
	}

	task := New(newJob(), renderer, extractor, fixedClock{}, Config{}, zap.NewNop())
	result := task.Run(context.Background(), 3)

	require.Equal(t, crawler.OutcomeSuccess, result.Outcome)
	require.Equal(t, 3, result.Page)
	require.Len(t, result.Records, 2)
	for _, rec := range result.Records {
		require.Equal(t, 3, rec.Page)
	}
	require.True(t, result.LooksValid)
	require.Equal(t, 200, result.FinalStatus)
	renderer.AssertExpectations(t)
}

func TestTaskRunEmptyPageIsNotFailure(t *testing.T) {
	t.Parallel()

	renderer := &mockRenderer{}
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).
		Return(crawler.Page{Body: []byte("<html></html>")}, nil)

	task := New(newJob(), renderer, stubExtractor{valid: true}, fixedClock{}, Config{}, zap.NewNop())
	result := task.Run(context.Background(), 9)

	require.Equal(t, crawler.OutcomeEmpty, result.Outcome)
	require.Empty(t, result.Reason)
	require.Empty(t, result.Records)
}

func TestTaskRunRenderFailure(t *testing.T) {
	t.Parallel()

	renderer := &mockRenderer{}
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).
		Return(crawler.Page{}, errors.New("net::ERR_CONNECTION_RESET"))

	task := New(newJob(), renderer, stubExtractor{}, fixedClock{}, Config{}, zap.NewNop())
	result := task.Run(context.Background(), 4)

	require.Equal(t, crawler.OutcomeFailed, result.Outcome)
	require.Equal(t, crawler.FailureRender, result.Kind)
	require.Contains(t, result.Reason, "ERR_CONNECTION_RESET")
	require.Contains(t, result.Reason, "page 4")
}

func TestTaskRunExtractionFailureAndPanic(t *testing.T) {
	t.Parallel()

	renderer := &mockRenderer{}
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).
		Return(crawler.Page{Body: []byte("<html/>")}, nil)

	failing := New(newJob(), renderer, stubExtractor{err: errors.New("bad markup")}, fixedClock{}, Config{}, zap.NewNop())
	result := failing.Run(context.Background(), 2)
	require.Equal(t, crawler.OutcomeFailed, result.Outcome)
	require.Equal(t, crawler.FailureExtract, result.Kind)

	panicking := New(newJob(), renderer, stubExtractor{panics: true}, fixedClock{}, Config{}, zap.NewNop())
	require.NotPanics(t, func() {
		result = panicking.Run(context.Background(), 5)
	})
	require.Equal(t, crawler.OutcomeFailed, result.Outcome)
	require.Equal(t, crawler.FailureExtract, result.Kind)
	require.Contains(t, result.Reason, "selector exploded")
}

func TestTaskRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	renderer := &mockRenderer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := New(newJob(), renderer, stubExtractor{}, fixedClock{}, Config{}, zap.NewNop())
	result := task.Run(ctx, 1)

	require.Equal(t, crawler.OutcomeFailed, result.Outcome)
	require.Equal(t, crawler.FailureCanceled, result.Kind)
	renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything, mock.Anything)
}

func TestTaskRenderSurvivesCrawlCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	renderer := &mockRenderer{}
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			renderCtx := args.Get(0).(context.Context)
			require.NoError(t, renderCtx.Err())
			_, hasDeadline := renderCtx.Deadline()
			require.False(t, hasDeadline, "the renderer starts the clock after its own waits")
			budget, ok := crawler.RenderBudget(renderCtx)
			require.True(t, ok)
			require.Equal(t, newJob().Settle+time.Second, budget)
		}).
		Return(crawler.Page{Body: []byte("<html/>")}, nil)

	extractor := stubExtractor{records: []crawler.Record{{Fields: map[string]string{"title": "x"}}}}
	task := New(newJob(), renderer, extractor, fixedClock{}, Config{RenderGrace: time.Second}, zap.NewNop())
	result := task.Run(ctx, 6)

	require.Equal(t, crawler.OutcomeSuccess, result.Outcome)
}
