package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

// PrometheusSink exports pipeline progress via Prometheus. It owns the run,
// entry and index collectors.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	entries       *prometheus.CounterVec
	entryBytes    *prometheus.CounterVec
	chunksIndexed *prometheus.CounterVec
	batchesFailed *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_started_total",
			Help: "Pipeline runs started, labeled by category.",
		}, []string{"category"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_finished_total",
			Help: "Pipeline runs finished, labeled by category and worker outcome.",
		}, []string{"category", "outcome"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_active",
			Help: "Pipeline runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time per finished pipeline run.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"category"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_entries_total",
			Help: "Registry entries processed, labeled by category and outcome.",
		}, []string{"category", "outcome"}),
		entryBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_entry_bytes_total",
			Help: "Raw bytes of fetched entries, labeled by category.",
		}, []string{"category"}),
		chunksIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_chunks_indexed_total",
			Help: "Chunks upserted into the index store, labeled by category.",
		}, []string{"category"}),
		batchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_index_batches_failed_total",
			Help: "Index batches that exhausted their attempts, labeled by category.",
		}, []string{"category"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsActive,
		s.runDuration,
		s.entries,
		s.entryBytes,
		s.chunksIndexed,
		s.batchesFailed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(evt.Category).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageEntryFetched:
		s.entries.WithLabelValues(evt.Category, "fetched").Inc()
		if evt.Bytes > 0 {
			s.entryBytes.WithLabelValues(evt.Category).Add(float64(evt.Bytes))
		}
	case progress.StageEntrySkipped:
		s.entries.WithLabelValues(evt.Category, "skipped").Inc()
	case progress.StageEntryFailed:
		s.entries.WithLabelValues(evt.Category, "failed").Inc()
	case progress.StageBatchIndexed:
		if evt.Chunks > 0 {
			s.chunksIndexed.WithLabelValues(evt.Category).Add(float64(evt.Chunks))
		}
	case progress.StageBatchFailed:
		s.batchesFailed.WithLabelValues(evt.Category).Inc()
	case progress.StageRunDone, progress.StageRunError:
		s.runsFinished.WithLabelValues(evt.Category, string(evt.Run.Outcome())).Inc()
		if evt.Run.Duration > 0 {
			s.runDuration.WithLabelValues(evt.Category).Observe(evt.Run.Duration.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsActive.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
