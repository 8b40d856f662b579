package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func listingSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body>
<p>Page %s of 2</p>
<div class="lot-card">
  <div class="lot-number">Lot <strong>%s01</strong></div>
  <div class="lot__name">Lot on page %s</div>
</div>
</body></html>`, page, page, page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Renderer.Mode = config.RendererStatic
	cfg.Renderer.NavTimeoutSeconds = 5
	cfg.Storage.Backend = config.StorageMemory
	cfg.Crawler.SettleSeconds = 0
	return cfg
}

func TestEngineRunsStaticCrawl(t *testing.T) {
	t.Parallel()

	site := listingSite(t)
	engine, err := NewEngine(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	runner, err := engine.NewRunner(crawler.CrawlJob{URL: site.URL + "/lots", Discover: true})
	require.NoError(t, err)

	result, err := runner.Run(context.Background(), crawler.CrawlJob{
		URL:         site.URL + "/lots",
		Discover:    true,
		Concurrency: 2,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalPages)
	require.Empty(t, result.Failures)
	require.Len(t, result.Records, 2)
	require.Equal(t, 1, result.Records[0].Page)
	require.Equal(t, 2, result.Records[1].Page)
	require.NoError(t, engine.Ready(context.Background()))
}

func TestEngineRejectsUnknownExtractor(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	_, err = engine.NewRunner(crawler.CrawlJob{URL: "https://example.com", Extractor: "nope"})
	require.ErrorContains(t, err, "unknown extractor")
}

func TestAppServesScrapeAndJobs(t *testing.T) {
	t.Parallel()

	site := listingSite(t)
	app, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	h := app.Handler()

	body := fmt.Sprintf(`{"url":%q,"scrape_all_pages":true,"max_workers":2,"wait_time":0}`, site.URL+"/lots")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var scrape struct {
		Success bool                `json:"success"`
		Data    crawler.CrawlResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scrape))
	require.True(t, scrape.Success)
	require.Len(t, scrape.Data.Records, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.JobID)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+submitted.JobID+"/status", nil))
		var status struct {
			Job crawler.Job `json:"job"`
		}
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &status) != nil {
			return false
		}
		return status.Job.Status == crawler.JobStatusSucceeded
	}, 10*time.Second, 20*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+submitted.JobID+"/result", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_pages":2`)
}
