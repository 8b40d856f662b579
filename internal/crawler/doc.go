// Package crawler defines the core types and collaborator interfaces shared by
// the page estimator, page tasks, worker pool, orchestrator, and the
// transports that drive them.
package crawler
