package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const maxRequestBytes = 1 << 20

// Defaults fill in crawl request fields the caller left out.
type Defaults struct {
	Settle      time.Duration
	Concurrency int
	Discover    bool
	MaxPages    int
	PageLimit   int
	Extractor   string
}

type crawlRequest struct {
	URL            string   `json:"url"`
	WaitTime       *float64 `json:"wait_time"`
	ScrapeAllPages *bool    `json:"scrape_all_pages"`
	MaxWorkers     *int     `json:"max_workers"`
	PageCount      int      `json:"page_count"`
	Pages          []int    `json:"pages"`
	MaxPages       *int     `json:"max_pages"`
	Extractor      string   `json:"extractor"`
}

func decodeCrawlRequest(body io.Reader, defaults Defaults) (crawler.CrawlJob, error) {
	var req crawlRequest
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("%w: decode body: %v", crawler.ErrInvalidJob, err)
	}
	if req.URL == "" {
		return crawler.CrawlJob{}, fmt.Errorf("%w: url required", crawler.ErrInvalidJob)
	}
	job := crawler.CrawlJob{
		URL:         req.URL,
		Settle:      defaults.Settle,
		Concurrency: valueOrDefault(req.MaxWorkers, defaults.Concurrency),
		Discover:    valueOrDefault(req.ScrapeAllPages, defaults.Discover),
		PageCount:   req.PageCount,
		Pages:       req.Pages,
		MaxPages:    requestMaxPages(req.MaxPages, defaults.MaxPages),
		PageLimit:   defaults.PageLimit,
		Extractor:   req.Extractor,
	}
	if req.WaitTime != nil {
		if *req.WaitTime < 0 {
			return crawler.CrawlJob{}, fmt.Errorf("%w: wait_time must be >= 0", crawler.ErrInvalidJob)
		}
		job.Settle = time.Duration(*req.WaitTime * float64(time.Second))
	}
	if req.MaxWorkers != nil && *req.MaxWorkers < 1 {
		return crawler.CrawlJob{}, fmt.Errorf("%w: max_workers must be >= 1", crawler.ErrInvalidJob)
	}
	if job.Concurrency < 1 {
		job.Concurrency = 1
	}
	if job.Extractor == "" {
		job.Extractor = defaults.Extractor
	}
	if err := job.Validate(); err != nil {
		return crawler.CrawlJob{}, err
	}
	return job, nil
}

// requestMaxPages lets a caller narrow the configured discovery cap but never
// lift it; zero from the caller means "no narrower cap".
func requestMaxPages(req *int, configured int) int {
	if req == nil {
		return configured
	}
	if configured > 0 && (*req == 0 || *req > configured) {
		return configured
	}
	return *req
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
