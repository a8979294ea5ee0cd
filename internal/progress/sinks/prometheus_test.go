package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	run := &ingest.PipelineRun{
		ID:             "r1",
		Category:       "dat_dai",
		Status:         ingest.RunCompleted,
		EntriesFailed:  1,
		Duration:       42 * time.Second,
		DocumentsFound: 3,
	}
	batch := []progress.Event{
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageRunStart},
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageEntryFetched, URL: "https://a", Bytes: 2048},
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageEntrySkipped, URL: "https://b"},
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageEntryFailed, URL: "https://c"},
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageBatchIndexed, Chunks: 32},
		{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageBatchFailed},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))

	done := progress.Event{RunID: "r1", Category: "dat_dai", TS: now, Stage: progress.StageRunDone, Run: run}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("dat_dai")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("dat_dai", "partial")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.entries.WithLabelValues("dat_dai", "fetched")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.entries.WithLabelValues("dat_dai", "skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.entries.WithLabelValues("dat_dai", "failed")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.entryBytes.WithLabelValues("dat_dai")), 1e-9)
	require.InDelta(t, 32.0, testutil.ToFloat64(sink.chunksIndexed.WithLabelValues("dat_dai")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesFailed.WithLabelValues("dat_dai")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "ingest_run_duration_seconds"))
}

func TestPrometheusSinkRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
