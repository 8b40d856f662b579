package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path?page=2", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerCrawlsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePage(t *testing.T) {
	before := testutil.ToFloat64(crawlerPagesTotalFor("lots.test", "success"))
	ObservePage("https://lots.test/list?page=1", "success", 12)
	ObservePage("https://lots.test/list?page=2", "empty", 0)

	if got := testutil.ToFloat64(crawlerPagesTotalFor("lots.test", "success")); got != before+1 {
		t.Errorf("expected success pages to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("lots.test")); got < 12 {
		t.Errorf("expected at least 12 records, got %f", got)
	}
}

func TestObserveCrawlAndWorkers(t *testing.T) {
	ObserveCrawl("done")
	if got := testutil.ToFloat64(crawlerCrawlsTotal.WithLabelValues("done")); got < 1 {
		t.Errorf("expected done crawls to be counted, got %f", got)
	}

	base := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	if got := testutil.ToFloat64(crawlerActiveWorkers); got != base+1 {
		t.Errorf("expected gauge %f, got %f", base+1, got)
	}
	DecActiveWorkers()
	if got := testutil.ToFloat64(crawlerActiveWorkers); got != base {
		t.Errorf("expected gauge back to %f, got %f", base, got)
	}

	ObserveRender("static", "https://lots.test", 2048, 150*time.Millisecond)
	ObserveDiscovery(12)
	ObserveCache(true)
	if got := testutil.ToFloat64(crawlerRenderCacheTotal.WithLabelValues("hit")); got < 1 {
		t.Errorf("expected cache hit to be counted, got %f", got)
	}
}

func crawlerPagesTotalFor(site, outcome string) prometheus.Counter {
	Init()
	return crawlerPagesTotal.WithLabelValues(site, outcome)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com/?page=3", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
