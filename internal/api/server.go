package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/jobs"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/telemetry"
)

// JobService runs crawls in the background. *jobs.Manager satisfies it.
type JobService interface {
	Submit(ctx context.Context, job crawler.CrawlJob) (crawler.Job, error)
	Status(ctx context.Context, id string) (crawler.Job, error)
	Result(ctx context.Context, id string) (crawler.CrawlResult, error)
	Cancel(ctx context.Context, id string) error
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config holds HTTP surface settings.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	Keepalive      time.Duration
	Defaults       Defaults
}

// Server wires HTTP handlers to the crawl runtime.
type Server struct {
	router    chi.Router
	jobs      JobService
	newRunner jobs.RunnerFactory
	ready     []ReadinessCheck
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. newRunner builds
// the orchestrator for synchronous and streaming crawls.
func NewServer(
	jobSvc JobService,
	newRunner jobs.RunnerFactory,
	cfg Config,
	logger *zap.Logger,
	ready ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:      jobSvc,
		newRunner: newRunner,
		ready:     ready,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/api", s.routes)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/scrape", s.scrape)
		r.Post("/scrape/stream", s.scrapeStream)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/jobs", s.submitJob)
			r.Route("/jobs/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var routeDocs = map[string]string{
	"GET /healthz":                  "liveness probe",
	"GET /readyz":                   "readiness probe",
	"GET /metrics":                  "Prometheus metrics",
	"GET /api":                      "this route listing",
	"POST /v1/scrape":               "crawl synchronously and return the aggregate result",
	"POST /v1/scrape/stream":        "crawl and stream progress as server-sent events",
	"POST /v1/jobs":                 "submit a background crawl",
	"GET /v1/jobs/{job_id}/status":  "job status and counters",
	"GET /v1/jobs/{job_id}/result":  "aggregate result of a finished job",
	"POST /v1/jobs/{job_id}/cancel": "cancel a running job",
}

type routeDoc struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

func (s *Server) routes(w http.ResponseWriter, _ *http.Request) {
	var docs []routeDoc
	err := chi.Walk(s.router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		docs = append(docs, routeDoc{Method: method, Path: route, Description: routeDocs[method+" "+route]})
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "route listing failed")
		return
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Path != docs[j].Path {
			return docs[i].Path < docs[j].Path
		}
		return docs[i].Method < docs[j].Method
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": docs,
		"request": map[string]string{
			"url":              "listing URL; the page query parameter is set per page",
			"wait_time":        "seconds to let each page settle after load",
			"scrape_all_pages": "discover the page count from page 1",
			"max_workers":      "pages rendered in parallel",
			"page_count":       "pages 1..N when discovery is off",
			"pages":            "exact pages to crawl, e.g. the failed pages of an earlier run",
			"max_pages":        "narrower cap on a discovered page count",
			"extractor":        "record extractor name",
		},
	})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	job, err := decodeCrawlRequest(r.Body, s.cfg.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runner, err := s.newRunner(job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := runner.Run(r.Context(), job, nil)
	if err != nil {
		status := statusForCrawlError(err)
		s.logger.Warn("scrape failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		writeJSON(w, status, crawlEnvelope{Success: false, Error: err.Error(), Data: partial(err, result)})
		return
	}
	writeJSON(w, http.StatusOK, crawlEnvelope{Success: true, Data: &result})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	job, err := decodeCrawlRequest(r.Body, s.cfg.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.jobs.Submit(r.Context(), job)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, crawler.ErrInvalidJob) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": record.ID,
		"status": string(record.Status),
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	result, err := s.jobs.Result(r.Context(), jobID)
	if err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, crawlEnvelope{Success: true, Data: &result})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		writeError(w, statusForStoreError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

type crawlEnvelope struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Data    *crawler.CrawlResult `json:"data,omitempty"`
}

// partial returns the result worth reporting alongside err. Only a canceled
// crawl carries finished pages; discovery failures have none.
func partial(err error, result crawler.CrawlResult) *crawler.CrawlResult {
	if errors.Is(err, crawler.ErrCanceled) {
		return &result
	}
	return nil
}

func statusForCrawlError(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrDiscovery):
		return http.StatusBadGateway
	case errors.Is(err, crawler.ErrCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusForStoreError(err error) int {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrNoResult), errors.Is(err, jobs.ErrFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// writeError uses the same envelope as crawl responses so clients can branch
// on "success" alone.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
