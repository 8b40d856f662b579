package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Publisher accepts events from a crawl; Bus satisfies it so the
// orchestrator stays agnostic about how events are delivered.
type Publisher interface {
	Publish(ev Event) error
}
