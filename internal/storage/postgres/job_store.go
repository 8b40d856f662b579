// Package postgres persists async crawl jobs and their results in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore implements crawler.JobStore on Postgres.
type JobStore struct {
	pool    pool
	jobs    string
	results string
	now     func() time.Time
}

// New connects a pool and returns a JobStore.
func New(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.JobsTable, cfg.ResultsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a store over an existing pool.
func NewWithPool(p pool, jobsTable, resultsTable string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "crawl_jobs"
	}
	if resultsTable == "" {
		resultsTable = "crawl_results"
	}
	for _, name := range []string{jobsTable, resultsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &JobStore{pool: p, jobs: jobsTable, results: resultsTable, now: time.Now}, nil
}

// Close releases the pool.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error_text TEXT NOT NULL DEFAULT '',
	request JSONB NOT NULL,
	counters JSONB NOT NULL DEFAULT '{}'
)`, s.jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	job_id TEXT PRIMARY KEY REFERENCES %s (id) ON DELETE CASCADE,
	result JSONB NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
)`, s.results, s.jobs),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	request, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, status, submitted_at, error_text, request, counters)
VALUES ($1, $2, $3, $4, $5, $6)`, s.jobs)
	_, err = s.pool.Exec(ctx, query, job.ID, string(job.Status), job.Submitted, job.ErrorText, request, counters)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("job %s: %w", job.ID, crawler.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a job to status. Rows already in a terminal status
// are left untouched.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	encoded, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET
	status = $2::text,
	error_text = $3,
	counters = $4,
	started_at = COALESCE(started_at, CASE WHEN $2::text <> 'queued' THEN $5::timestamptz END),
	finished_at = CASE WHEN $2::text IN ('succeeded', 'failed', 'canceled') THEN $5::timestamptz ELSE finished_at END
WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')`, s.jobs)
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, encoded, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either the job is unknown or it already finished.
	var exists int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.jobs), jobID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return nil
}

// SaveResult upserts the result document of a job.
func (s *JobStore) SaveResult(ctx context.Context, jobID string, result crawler.CrawlResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (job_id, result, saved_at) VALUES ($1, $2, $3)
ON CONFLICT (job_id) DO UPDATE SET result = EXCLUDED.result, saved_at = EXCLUDED.saved_at`, s.results)
	if _, err := s.pool.Exec(ctx, query, jobID, encoded, s.now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT id, status, submitted_at, started_at, finished_at, error_text, request, counters
FROM %s WHERE id = $1`, s.jobs)
	var (
		job      crawler.Job
		status   string
		request  []byte
		counters []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&status,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&request,
		&counters,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(request, &job.Request); err != nil {
		return crawler.Job{}, fmt.Errorf("decode request: %w", err)
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return crawler.Job{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	return job, nil
}

// GetResult loads the stored result of a job.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (crawler.CrawlResult, error) {
	query := fmt.Sprintf(`SELECT r.result FROM %s j LEFT JOIN %s r ON r.job_id = j.id WHERE j.id = $1`,
		s.jobs, s.results)
	var encoded []byte
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlResult{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("get result: %w", err)
	}
	if len(encoded) == 0 {
		return crawler.CrawlResult{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNoResult)
	}
	var result crawler.CrawlResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}
