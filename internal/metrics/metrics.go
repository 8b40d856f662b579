// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRenderDurationSeconds  *prometheus.HistogramVec
	crawlerDiscoveredPages        prometheus.Histogram
	crawlerCrawlsTotal            *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRenderCacheTotal       *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerStreamClients          prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of listing pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of records extracted, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of rendered bytes, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRenderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_render_duration_seconds",
				Help:    "Histogram of page render durations including the settle period.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"renderer"},
		)

		crawlerDiscoveredPages = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_discovered_pages",
				Help:    "Distribution of page counts reported by discovery.",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
		)

		crawlerCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_crawls_total",
				Help: "Total number of crawls finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of pool workers currently processing a page.",
			},
		)

		crawlerRenderCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_render_cache_total",
				Help: "Render cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerStreamClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_stream_clients",
				Help: "Number of open progress streams.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records the outcome of one page task.
func ObservePage(site string, outcome string, records int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if records > 0 {
		crawlerRecordsTotal.WithLabelValues(sanitizedSite).Add(float64(records))
	}
}

// ObserveRender records a completed render.
func ObserveRender(renderer string, site string, bytesRendered int, duration time.Duration) {
	Init()
	crawlerRenderDurationSeconds.WithLabelValues(renderer).Observe(duration.Seconds())
	if bytesRendered > 0 {
		crawlerBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesRendered))
	}
}

// ObserveDiscovery records the page count a discovery pass produced.
func ObserveDiscovery(pages int) {
	Init()
	crawlerDiscoveredPages.Observe(float64(pages))
}

// ObserveCrawl increments the crawl counter for the given terminal status.
func ObserveCrawl(status string) {
	Init()
	crawlerCrawlsTotal.WithLabelValues(status).Inc()
}

// ObserveCache records a render cache hit or miss.
func ObserveCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	crawlerRenderCacheTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// IncStreamClients increments the open progress stream gauge.
func IncStreamClients() {
	Init()
	crawlerStreamClients.Inc()
}

// DecStreamClients decrements the open progress stream gauge.
func DecStreamClients() {
	Init()
	crawlerStreamClients.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
