package headless

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// ErrUnavailable is returned when no browser is configured.
var ErrUnavailable = errors.New("headless renderer not configured")

// Noop is a Renderer that always fails. It stands in when Chrome cannot be
// launched so the rest of the service still starts.
type Noop struct{}

// NewNoop creates a Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always returns ErrUnavailable.
func (Noop) Render(_ context.Context, _ string, _ time.Duration) (crawler.Page, error) {
	return crawler.Page{}, ErrUnavailable
}
