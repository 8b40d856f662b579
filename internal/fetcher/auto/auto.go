// Package auto tries a cheap static fetch first and falls back to a browser
// when the static page looks like an unrendered script shell.
package auto

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Detector decides whether a static page needs a browser render.
type Detector interface {
	ShouldPromote(page crawler.Page) bool
}

// Renderer chains a static and a headless renderer.
type Renderer struct {
	static   crawler.Renderer
	headless crawler.Renderer
	detector Detector
	logger   *zap.Logger
}

// New builds an auto Renderer.
func New(static, headless crawler.Renderer, detector Detector, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		static:   static,
		headless: headless,
		detector: detector,
		logger:   logger,
	}
}

// Render returns the static page unless it failed or the detector asks for
// promotion, in which case the headless renderer runs with the full settle.
func (r *Renderer) Render(ctx context.Context, url string, settle time.Duration) (crawler.Page, error) {
	page, err := r.static.Render(ctx, url, 0)
	switch {
	case err != nil:
		r.logger.Debug("static render failed, promoting", zap.String("url", url), zap.Error(err))
	case r.detector.ShouldPromote(page):
		r.logger.Debug("static page looks unrendered, promoting", zap.String("url", url))
	default:
		return page, nil
	}
	if ctx.Err() != nil {
		return crawler.Page{}, ctx.Err()
	}
	return r.headless.Render(ctx, url, settle)
}
