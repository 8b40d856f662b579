package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// LogSink emits one structured log line per event. The CLI uses it to show
// crawl progress on the terminal.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Uint64("seq", evt.Seq),
			zap.String("type", string(evt.Type)),
		}
		switch evt.Type {
		case progress.TypeDiscoveryComplete:
			fields = append(fields, zap.Int("total_pages", evt.TotalPages))
		case progress.TypePageStarted:
			fields = append(fields, zap.Int("page", evt.Page))
		case progress.TypePageComplete:
			fields = append(fields, zap.Int("page", evt.Page), zap.Int("records", evt.Records))
		case progress.TypePageFailed:
			fields = append(fields, zap.Int("page", evt.Page), zap.String("reason", evt.Reason))
		case progress.TypeCrawlComplete:
			fields = append(fields, zap.Int("total_records", evt.TotalRecords), zap.Duration("elapsed", evt.Elapsed))
		case progress.TypeCrawlFailed:
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Type == progress.TypePageFailed || evt.Type == progress.TypeCrawlFailed {
			s.logger.Warn("crawl progress", fields...)
			continue
		}
		s.logger.Info("crawl progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
