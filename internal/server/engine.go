package server

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/discovery"
	"github.com/JakeFAU/listing-crawler/internal/extract"
	"github.com/JakeFAU/listing-crawler/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/headless/detector"
	"github.com/JakeFAU/listing-crawler/internal/jobs"
	"github.com/JakeFAU/listing-crawler/internal/orchestrator"
	"github.com/JakeFAU/listing-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-crawler/internal/rendercache"
)

// Engine owns the renderers shared by every crawl and builds one
// orchestrator per crawl. The CLI uses it directly; the HTTP app wraps it.
type Engine struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	static   crawler.Renderer
	headless crawler.Renderer
	chrome   *headlessfetcher.Renderer
	redis    *redis.Client
	cache    rendercache.Store
	hasher   *sha256.Hasher
}

// NewEngine builds the renderers selected by cfg.Renderer.Mode.
func NewEngine(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		hasher: sha256.New(),
	}
	hosts := ratelimit.New(ratelimit.Config{
		QPS:   cfg.Renderer.DomainQPS,
		Burst: cfg.Renderer.DomainBurst,
	})
	if cfg.Renderer.DomainQPS > 0 {
		logger.Info("per-host rate limit enabled",
			zap.Float64("qps", cfg.Renderer.DomainQPS),
			zap.Int("burst", cfg.Renderer.DomainBurst),
		)
	}

	if cfg.Renderer.Mode == config.RendererStatic || cfg.Renderer.Mode == config.RendererAuto {
		e.static = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Renderer.RespectRobots,
			Timeout:       cfg.Renderer.NavTimeout(),
		}, hosts, logger.Named("static_renderer"))
		logger.Info("using static renderer", zap.String("user_agent", cfg.Crawler.UserAgent))
	}
	if cfg.Renderer.Mode == config.RendererHeadless || cfg.Renderer.Mode == config.RendererAuto {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Renderer.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Renderer.NavTimeout(),
		}, hosts)
		switch {
		case err == nil:
			e.chrome = chrome
			e.headless = chrome
			logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Renderer.MaxParallel))
		case cfg.Renderer.Mode == config.RendererAuto:
			logger.Warn("headless renderer init failed, static pages only", zap.Error(err))
			e.headless = headlessfetcher.NewNoop()
		default:
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
	}

	if cfg.Cache.RedisAddr != "" && cfg.Cache.TTL() > 0 {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		e.cache = rendercache.NewRedisStore(e.redis)
		logger.Info("render cache enabled",
			zap.String("addr", cfg.Cache.RedisAddr),
			zap.Duration("ttl", cfg.Cache.TTL()),
		)
	}
	return e, nil
}

// Renderer returns the page renderer for a crawl using the named extractor.
// In auto mode the extractor's ready selector decides when a static page
// needs a browser.
func (e *Engine) Renderer(extractorName string) crawler.Renderer {
	var r crawler.Renderer
	switch e.cfg.Renderer.Mode {
	case config.RendererStatic:
		r = e.static
	case config.RendererAuto:
		r = auto.New(
			e.static,
			e.headless,
			detector.NewHeuristic(e.cfg.Renderer.PromotionThreshold, extract.ReadySelector(extractorName)),
			e.logger.Named("auto_renderer"),
		)
	default:
		r = e.headless
	}
	return rendercache.New(r, e.cache, e.hasher.Key, e.cfg.Cache.TTL(), e.logger.Named("render_cache"))
}

// NewRunner builds a fresh orchestrator for job. It satisfies
// jobs.RunnerFactory.
func (e *Engine) NewRunner(job crawler.CrawlJob) (jobs.Runner, error) {
	name := job.Extractor
	if name == "" {
		name = e.cfg.Extractor.Name
	}
	ext, err := extract.New(name)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(
		e.Renderer(name),
		ext,
		discovery.NewEstimator(),
		e.clock,
		orchestrator.Config{
			MaxConcurrency: e.cfg.Crawler.MaxConcurrency,
			RenderGrace:    e.cfg.Crawler.RenderGrace(),
		},
		e.logger.Named("orchestrator"),
	), nil
}

// Clock returns the engine's time source.
func (e *Engine) Clock() crawler.Clock {
	return e.clock
}

// Ready reports whether the render cache backend answers.
func (e *Engine) Ready(ctx context.Context) error {
	if e.redis == nil {
		return nil
	}
	if err := e.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("render cache: %w", err)
	}
	return nil
}

// Close releases the browser and cache connections.
func (e *Engine) Close() {
	if e.chrome != nil {
		e.chrome.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
