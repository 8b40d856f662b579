package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

const defaultKeepalive = 30 * time.Second

type crawlOutcome struct {
	result crawler.CrawlResult
	err    error
}

// scrapeStream runs one crawl and relays its progress bus as server-sent
// events. The stream ends with the terminal event followed by one result
// frame. A disconnecting client cancels the crawl.
func (s *Server) scrapeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	job, err := decodeCrawlRequest(r.Body, s.cfg.Defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runner, err := s.newRunner(job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.IncStreamClients()
	defer metrics.DecStreamClients()
	logger := s.logger.With(
		zap.String("request_id", RequestID(r.Context())),
		zap.String("url", job.URL),
	)

	ctx := r.Context()
	bus := progress.NewBus()
	done := make(chan crawlOutcome, 1)
	go func() {
		result, err := runner.Run(ctx, job, bus)
		if !bus.Closed() {
			reason := "crawl ended without a terminal event"
			if err != nil {
				reason = err.Error()
			}
			if pubErr := bus.Publish(progress.CrawlFailed(reason)); pubErr != nil && !errors.Is(pubErr, progress.ErrClosed) {
				logger.Error("publish terminal event", zap.Error(pubErr))
			}
		}
		done <- crawlOutcome{result: result, err: err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := s.cfg.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	for {
		ev, err := bus.Next(ctx, keepalive)
		if errors.Is(err, progress.ErrClosed) {
			break
		}
		if err != nil {
			// Client went away; the crawl observes the same context.
			logger.Info("stream client disconnected", zap.Error(err))
			<-done
			return
		}
		if err := writeEvent(w, "", ev); err != nil {
			logger.Warn("stream write failed", zap.Error(err))
			<-done
			return
		}
		flusher.Flush()
	}

	outcome := <-done
	frame := crawlEnvelope{Success: outcome.err == nil, Data: &outcome.result}
	if outcome.err != nil {
		frame.Error = outcome.err.Error()
		frame.Data = partial(outcome.err, outcome.result)
	}
	if err := writeEvent(w, "result", frame); err != nil {
		logger.Warn("stream write failed", zap.Error(err))
		return
	}
	flusher.Flush()
}

func writeEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
