package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pricehound/pricehound/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: start, Stage: progress.StageRunStart, Retailer: "dm-scraper", Total: 25},
		{
			RunID:      runID,
			TS:         start.Add(10 * time.Second),
			Stage:      progress.StageItemDone,
			Retailer:   "dm-scraper",
			GTIN:       "4005900123451",
			Outcome:    progress.OutcomeSuccess,
			Total:      25,
			Completed:  5,
			Successful: 5,
		},
		{
			RunID:     runID,
			TS:        start.Add(90 * time.Second),
			Stage:     progress.StageRunDone,
			Retailer:  "dm-scraper",
			Total:     25,
			Completed: 25,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("done")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runProgress.WithLabelValues("dm-scraper")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "pricehound_run_runtime_seconds"))
}

// TestPrometheusSinkStoppedRun counts early-terminated runs separately.
func TestPrometheusSinkStoppedRun(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	start := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: start, Stage: progress.StageRunStart, Retailer: "metro-scraper", Total: 10},
		{RunID: runID, TS: start.Add(time.Minute), Stage: progress.StageRunStopped, Retailer: "metro-scraper", Total: 10, Completed: 4},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("stopped")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.InDelta(t, 0.4, testutil.ToFloat64(sink.runProgress.WithLabelValues("metro-scraper")), 1e-9)
}
