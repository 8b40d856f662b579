package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type names a progress event variant. The value is the wire "type" field.
type Type string

// Supported event types.
const (
	TypeDiscoveryStarted  Type = "discovery_started"
	TypeDiscoveryComplete Type = "discovery_complete"
	TypePageStarted       Type = "page_started"
	TypePageComplete      Type = "page_complete"
	TypePageFailed        Type = "page_failed"
	TypeCrawlComplete     Type = "crawl_complete"
	TypeCrawlFailed       Type = "crawl_failed"
	TypeKeepalive         Type = "keepalive"
)

// Event is one observable step of a crawl. Only the fields relevant to Type
// are set.
type Event struct {
	// Seq is assigned by the bus in publish order, starting at 1.
	Seq uint64
	// TS is the time the bus accepted the event.
	TS   time.Time
	Type Type

	TotalPages   int
	Page         int
	Records      int
	TotalRecords int
	Elapsed      time.Duration
	Reason       string
}

// DiscoveryStarted marks the start of page-count discovery.
func DiscoveryStarted() Event { return Event{Type: TypeDiscoveryStarted} }

// DiscoveryComplete reports the page count the crawl will cover.
func DiscoveryComplete(totalPages int) Event {
	return Event{Type: TypeDiscoveryComplete, TotalPages: totalPages}
}

// PageStarted reports that a worker picked up page.
func PageStarted(page int) Event { return Event{Type: TypePageStarted, Page: page} }

// PageComplete reports a page that rendered and extracted, possibly with zero records.
func PageComplete(page, records int) Event {
	return Event{Type: TypePageComplete, Page: page, Records: records}
}

// PageFailed reports a page that produced no usable content.
func PageFailed(page int, reason string) Event {
	return Event{Type: TypePageFailed, Page: page, Reason: reason}
}

// CrawlComplete is the terminal event of a successful crawl.
func CrawlComplete(totalRecords int, elapsed time.Duration) Event {
	return Event{Type: TypeCrawlComplete, TotalRecords: totalRecords, Elapsed: elapsed}
}

// CrawlFailed is the terminal event of a crawl that failed as a whole.
func CrawlFailed(reason string) Event { return Event{Type: TypeCrawlFailed, Reason: reason} }

// Keepalive carries no payload; it tells a waiting observer the crawl is alive.
func Keepalive() Event { return Event{Type: TypeKeepalive} }

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeCrawlComplete || e.Type == TypeCrawlFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Type {
	case TypeDiscoveryStarted, TypeKeepalive:
	case TypeDiscoveryComplete:
		if e.TotalPages < 1 {
			return errors.New("discovery complete requires total pages >= 1")
		}
	case TypePageStarted, TypePageComplete:
		if e.Page < 1 {
			return errors.New("page events require page >= 1")
		}
	case TypePageFailed:
		if e.Page < 1 {
			return errors.New("page events require page >= 1")
		}
		if e.Reason == "" {
			return errors.New("page failed requires reason")
		}
	case TypeCrawlComplete:
		if e.Elapsed < 0 {
			return errors.New("elapsed must be >= 0")
		}
	case TypeCrawlFailed:
		if e.Reason == "" {
			return errors.New("crawl failed requires reason")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// MarshalJSON encodes the event as a discriminated record keyed by "type".
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": e.Type}
	if e.Type == TypeKeepalive {
		return json.Marshal(out)
	}
	out["seq"] = e.Seq
	if !e.TS.IsZero() {
		out["timestamp"] = e.TS.UTC().Format(time.RFC3339Nano)
	}
	switch e.Type {
	case TypeDiscoveryComplete:
		out["total_pages"] = e.TotalPages
	case TypePageStarted:
		out["page"] = e.Page
	case TypePageComplete:
		out["page"] = e.Page
		out["records"] = e.Records
	case TypePageFailed:
		out["page"] = e.Page
		out["reason"] = e.Reason
	case TypeCrawlComplete:
		out["total_records"] = e.TotalRecords
		out["elapsed_ms"] = e.Elapsed.Milliseconds()
	case TypeCrawlFailed:
		out["reason"] = e.Reason
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type         Type   `json:"type"`
		Seq          uint64 `json:"seq"`
		Timestamp    string `json:"timestamp"`
		TotalPages   int    `json:"total_pages"`
		Page         int    `json:"page"`
		Records      int    `json:"records"`
		TotalRecords int    `json:"total_records"`
		ElapsedMs    int64  `json:"elapsed_ms"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode progress event: %w", err)
	}
	*e = Event{
		Seq:          wire.Seq,
		Type:         wire.Type,
		TotalPages:   wire.TotalPages,
		Page:         wire.Page,
		Records:      wire.Records,
		TotalRecords: wire.TotalRecords,
		Elapsed:      time.Duration(wire.ElapsedMs) * time.Millisecond,
		Reason:       wire.Reason,
	}
	if wire.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return fmt.Errorf("decode progress timestamp: %w", err)
		}
		e.TS = ts
	}
	return nil
}
