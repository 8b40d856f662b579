package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Config controls batching for the Relay.
//   - MaxBatchEvents: flush once this many events queue (default 64).
//   - MaxBatchWait: flush when the bus is idle this long (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultMaxBatchEvents = 64
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
)

// Relay drains one Bus into a set of sinks in batches. Sink failures are
// logged and never stall the bus.
type Relay struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger
}

// NewRelay builds a Relay for the supplied sinks.
func NewRelay(cfg Config, sinks ...Sink) *Relay {
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
	}
}

// Run consumes bus until its terminal event has been delivered, then closes
// the sinks. It returns early with the context error if ctx ends first.
func (r *Relay) Run(ctx context.Context, bus *Bus) error {
	base := context.WithoutCancel(ctx)
	defer r.closeSinks(base)

	batch := make([]Event, 0, r.cfg.MaxBatchEvents)
	for {
		ev, err := bus.Next(ctx, r.cfg.MaxBatchWait)
		switch {
		case errors.Is(err, ErrClosed):
			r.flush(base, batch)
			return nil
		case err != nil:
			r.flush(base, batch)
			return err
		}
		if ev.Type == TypeKeepalive {
			r.flush(base, batch)
			batch = batch[:0]
			continue
		}
		batch = append(batch, ev)
		if len(batch) >= r.cfg.MaxBatchEvents || ev.Terminal() {
			r.flush(base, batch)
			batch = batch[:0]
		}
	}
}

func (r *Relay) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		sinkCtx, cancel := context.WithTimeout(ctx, r.cfg.SinkTimeout)
		if err := sink.Consume(sinkCtx, copyBatch); err != nil {
			r.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (r *Relay) closeSinks(ctx context.Context) {
	for _, sink := range r.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			r.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
