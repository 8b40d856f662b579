// Package ratelimit spaces out renders per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// Limiter hands out one bucket per host. A zero or negative QPS disables limiting.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	perHost  rate.Limit
	burst    int
	minDelay time.Duration
}

// Config holds limiter settings.
type Config struct {
	QPS   float64
	Burst int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.QPS)
	if cfg.QPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		perHost:  limit,
		burst:    burst,
		minDelay: time.Millisecond,
	}
}

// Wait blocks until the host of rawURL may be hit again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.perHost == rate.Inf {
		return nil
	}
	host := "unknown"
	if u, err := crawler.ParseTarget(rawURL); err == nil {
		host = u.Hostname()
	}
	bucket := l.bucket(host)

	start := time.Now()
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > l.minDelay {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts reports how many hosts currently hold a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.perHost, l.burst)
		l.buckets[host] = b
	}
	return b
}
