// Package rendercache memoizes rendered pages in Redis so that repeated
// crawls of the same listing within the TTL skip the browser.
package rendercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// ErrMiss indicates the key is not cached.
var ErrMiss = errors.New("render cache miss")

const keyPrefix = "listing-crawler:render:"

// Store is the byte-level cache backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// KeyFunc derives a cache key from its parts.
type KeyFunc func(parts ...string) string

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns ErrMiss when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores value with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Renderer decorates another crawler.Renderer with a cache.
type Renderer struct {
	next   crawler.Renderer
	store  Store
	key    KeyFunc
	ttl    time.Duration
	logger *zap.Logger
}

// New wraps next. A non-positive ttl disables caching and returns next as is.
func New(next crawler.Renderer, store Store, key KeyFunc, ttl time.Duration, logger *zap.Logger) crawler.Renderer {
	if ttl <= 0 || store == nil {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{next: next, store: store, key: key, ttl: ttl, logger: logger}
}

// Render serves from cache when possible. Cache failures are logged and the
// underlying renderer is used; only successful 2xx pages are stored.
func (r *Renderer) Render(ctx context.Context, url string, settle time.Duration) (crawler.Page, error) {
	key := keyPrefix + r.key(url, settle.String())

	if page, err := r.lookup(ctx, key); err == nil {
		metrics.ObserveCache(true)
		return page, nil
	} else if !errors.Is(err, ErrMiss) {
		r.logger.Warn("render cache read failed", zap.String("url", url), zap.Error(err))
	}
	metrics.ObserveCache(false)

	page, err := r.next.Render(ctx, url, settle)
	if err != nil {
		return page, err
	}
	if page.StatusCode >= 200 && page.StatusCode < 300 {
		r.save(ctx, key, page)
	}
	return page, nil
}

func (r *Renderer) lookup(ctx context.Context, key string) (crawler.Page, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return crawler.Page{}, err
	}
	var page crawler.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return crawler.Page{}, fmt.Errorf("decode cached page: %w", err)
	}
	return page, nil
}

func (r *Renderer) save(ctx context.Context, key string, page crawler.Page) {
	data, err := json.Marshal(page)
	if err != nil {
		r.logger.Warn("render cache encode failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Warn("render cache write failed", zap.String("url", page.URL), zap.Error(err))
	}
}
