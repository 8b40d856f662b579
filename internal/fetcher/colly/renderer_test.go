package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func TestRenderReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "listing-bot", r.UserAgent())
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		fmt.Fprintf(w, "<html><body>page %s</body></html>", r.URL.Query().Get("page"))
	}))
	defer srv.Close()

	r := New(Config{
		UserAgent: "listing-bot",
		Headers:   http.Header{"X-Trace": {"yes"}},
	}, nil, nil)

	page, err := r.Render(context.Background(), srv.URL+"/list?page=3", time.Second)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, srv.URL+"/list?page=3", page.URL)
	require.Contains(t, string(page.Body), "page 3")

	// Same URL twice must not be suppressed as a revisit.
	_, err = r.Render(context.Background(), srv.URL+"/list?page=3", 0)
	require.NoError(t, err)
}

func TestRenderFollowsRedirect(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>moved</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	page, err := New(Config{}, nil, nil).Render(context.Background(), srv.URL+"/old", 0)
	require.NoError(t, err)
	require.Contains(t, string(page.Body), "moved")
	require.Equal(t, http.StatusOK, page.StatusCode)
}

func TestRenderErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{}, nil, nil).Render(context.Background(), srv.URL, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestRenderCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}, nil, nil).Render(ctx, srv.URL, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockedHosts struct{}

func (blockedHosts) Wait(context.Context, string) error { return errors.New("budget exhausted") }

func TestRenderWaitsForHostBudget(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, blockedHosts{}, nil).Render(context.Background(), "https://example.com", 0)
	require.EqualError(t, err, "budget exhausted")
}

type slowHosts struct{ delay time.Duration }

func (h slowHosts) Wait(ctx context.Context, _ string) error {
	select {
	case <-time.After(h.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRenderBudgetStartsAfterHostWait(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	ctx := crawler.WithRenderBudget(context.Background(), 100*time.Millisecond)
	page, err := New(Config{}, slowHosts{delay: 200 * time.Millisecond}, nil).Render(ctx, srv.URL, 0)
	require.NoError(t, err, "time spent waiting on the host limiter is not charged to the render")
	require.Contains(t, string(page.Body), "ok")
}

func TestRenderBudgetBoundsFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx := crawler.WithRenderBudget(context.Background(), 50*time.Millisecond)
	_, err := New(Config{}, nil, nil).Render(ctx, srv.URL, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
