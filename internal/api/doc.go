// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api for a route listing.
//   - POST /v1/scrape for a synchronous crawl.
//   - POST /v1/scrape/stream for a crawl streamed as server-sent events.
//   - POST /v1/jobs/... for background job submission, status and cancellation.
package api
