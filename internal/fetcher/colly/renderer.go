// Package collyfetcher renders pages with plain HTTP through gocolly. It runs
// no scripts, so it only suits listings that are server-rendered.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// HostLimiter spaces requests against the same host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Renderer implements crawler.Renderer using the Colly collector.
type Renderer struct {
	cfg       Config
	hosts     HostLimiter
	transport http.RoundTripper
	base      *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer. hosts may be nil.
func New(cfg Config, hosts HostLimiter, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport, logger: logger.Named("robots")}
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	return &Renderer{
		cfg:       cfg,
		hosts:     hosts,
		transport: transport,
		base:      c,
	}
}

// Render performs a single GET. settle is ignored because nothing runs
// client-side.
func (r *Renderer) Render(ctx context.Context, url string, _ time.Duration) (crawler.Page, error) {
	if r.hosts != nil {
		if err := r.hosts.Wait(ctx, url); err != nil {
			return crawler.Page{}, err
		}
	}
	ctx, done := crawler.StartRender(ctx)
	defer done()
	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := r.buildCollector()
	r.configureCollectorHooks(collector, url, &page, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.Page{}, err
	}
	metrics.ObserveRender("static", metrics.SanitizeSite(url), len(page.Body), time.Since(start))
	return page, nil
}

func (r *Renderer) buildCollector() *colly.Collector {
	collector := r.base.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !r.cfg.RespectRobots
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(r.transport)
	return collector
}

func (r *Renderer) configureCollectorHooks(hooks collectorHooks, url string, page *crawler.Page, fetchErr *error) {
	hooks.OnRequest(func(req *colly.Request) {
		for key, values := range r.cfg.Headers {
			for _, v := range values {
				req.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(resp *colly.Response) {
		*page = crawler.Page{
			URL:        url,
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       append([]byte(nil), resp.Body...),
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", resp.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
