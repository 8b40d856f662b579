package crawler

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"
)

// JobStatus represents the lifecycle state of an asynchronous crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// CrawlJob is the immutable description of one crawl.
//
// URL is a template: the page query parameter is overwritten per page.
// When Discover is false the crawl covers pages 1..PageCount (PageCount
// defaults to 1). Pages, when non-empty, names the exact pages to crawl and
// disables discovery. MaxPages caps a discovered count; zero means no cap
// beyond PageLimit. PageLimit is the operator's hard ceiling on any page
// number the job may reach; zero means DefaultPageLimit.
type CrawlJob struct {
	URL         string        `json:"url"`
	Settle      time.Duration `json:"settle"`
	Concurrency int           `json:"concurrency"`
	Discover    bool          `json:"discover"`
	PageCount   int           `json:"page_count,omitempty"`
	Pages       []int         `json:"pages,omitempty"`
	MaxPages    int           `json:"max_pages,omitempty"`
	PageLimit   int           `json:"page_limit,omitempty"`
	Extractor   string        `json:"extractor,omitempty"`
}

// Page is the rendered output of a Renderer.
type Page struct {
	URL        string `json:"url"`
	FinalURL   string `json:"final_url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"body"`
}

// Record is one structured item extracted from a page, tagged with the page
// it came from.
type Record struct {
	Page   int
	Fields map[string]string
}

// MarshalJSON flattens the record into a single object with a page key.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["page"] = r.Page
	return json.Marshal(out)
}

// UnmarshalJSON restores a flattened record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case float64:
			if k == "page" {
				r.Page = int(val)
				continue
			}
			r.Fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case string:
			r.Fields[k] = val
		case nil:
			r.Fields[k] = ""
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return err
			}
			r.Fields[k] = string(b)
		}
	}
	return nil
}

// FieldNames returns the union of field keys across records, sorted.
func FieldNames(records []Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Fields {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Outcome classifies how a single page fetch ended.
type Outcome string

// Page outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeEmpty   Outcome = "empty"
	OutcomeFailed  Outcome = "failed"
)

// FailureKind says which stage of a page fetch failed.
type FailureKind string

// Failure kinds.
const (
	FailureRender   FailureKind = "render"
	FailureExtract  FailureKind = "extract"
	FailureCanceled FailureKind = "canceled"
)

// FetchResult is produced exactly once per page task.
type FetchResult struct {
	Page        int           `json:"page"`
	Records     []Record      `json:"records,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Kind        FailureKind   `json:"kind,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	LooksValid  bool          `json:"looks_valid"`
	Duration    time.Duration `json:"duration"`
	FinalStatus int           `json:"status_code,omitempty"`
}

// PageFailure describes one page that produced no usable content.
type PageFailure struct {
	Page   int         `json:"page"`
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// CrawlResult is the aggregate assembled once a crawl finishes.
type CrawlResult struct {
	URL            string        `json:"url"`
	TotalPages     int           `json:"total_pages"`
	PagesAttempted int           `json:"pages_attempted"`
	PagesSucceeded int           `json:"pages_succeeded"`
	PagesEmpty     int           `json:"pages_empty"`
	Records        []Record      `json:"records"`
	Failures       []PageFailure `json:"failures"`
	Elapsed        time.Duration `json:"elapsed"`
}

// FailedPages lists the page numbers that failed, ascending.
func (r CrawlResult) FailedPages() []int {
	pages := make([]int, 0, len(r.Failures))
	for _, f := range r.Failures {
		pages = append(pages, f.Page)
	}
	sort.Ints(pages)
	return pages
}

// Job represents the metadata persisted for each asynchronous crawl request.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Request   CrawlJob    `json:"request"`
	Counters  JobCounters `json:"counters"`
}

// JobCounters tracks page progress per job.
type JobCounters struct {
	TotalPages     int `json:"total_pages"`
	PagesSucceeded int `json:"pages_succeeded"`
	PagesEmpty     int `json:"pages_empty"`
	PagesFailed    int `json:"pages_failed"`
	Records        int `json:"records"`
}

// CountersFor derives job counters from a finished crawl.
func CountersFor(result CrawlResult) JobCounters {
	return JobCounters{
		TotalPages:     result.TotalPages,
		PagesSucceeded: result.PagesSucceeded,
		PagesEmpty:     result.PagesEmpty,
		PagesFailed:    len(result.Failures),
		Records:        len(result.Records),
	}
}

// QueueItem is one page waiting for a worker.
type QueueItem struct {
	Page     int
	Enqueued time.Time
}
