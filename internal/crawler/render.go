package crawler

import (
	"context"
	"time"
)

type renderBudgetKey struct{}

// WithRenderBudget attaches the time a single render may take once the
// renderer has cleared its own admission waits (rate limits, tab slots).
func WithRenderBudget(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, renderBudgetKey{}, d)
}

// RenderBudget reports the budget attached by WithRenderBudget.
func RenderBudget(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(renderBudgetKey{}).(time.Duration)
	return d, ok && d > 0
}

// StartRender is called by renderers right before the network work begins.
// It turns the attached budget into a deadline; without a budget the returned
// context is only cancelable.
func StartRender(ctx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := RenderBudget(ctx); ok {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
