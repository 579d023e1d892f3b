// Package sinks provides Sink implementations for the progress Hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
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
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("retailer", evt.Retailer),
			zap.String("gtin", evt.GTIN),
			zap.String("outcome", string(evt.Outcome)),
			zap.Int("batch", evt.Batch),
			zap.Int("total_batches", evt.TotalBatches),
			zap.Int("completed", evt.Completed),
			zap.Int("total", evt.Total),
			zap.Int("successful", evt.Successful),
			zap.Int("failed", evt.Failed),
			zap.Int("cached", evt.Cached),
			zap.Duration("eta", evt.ETA),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
