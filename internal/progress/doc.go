// Package progress provides the per-crawl event bus the orchestrator publishes
// to, the event model observers receive, and a relay that drains a bus into
// pluggable sinks such as logs or the job store.
package progress
