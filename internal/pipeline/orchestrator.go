// Package pipeline runs one category through Discovery, Fetch, Index and
// Validate and records every execution in the run log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/clock/system"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

const (
	defaultMaxDiscovered      = 50
	defaultDiscoveredPriority = 100
	defaultIndexBatchSize     = 32
	defaultIndexConcurrency   = 2
	defaultIndexBatchAttempts = 3
	defaultIndexBatchBackoff  = 2 * time.Second
	defaultRawPrefix          = "raw"
	rawContentType            = "text/html; charset=utf-8"
)

// ErrRunFailed is returned by Run when a started run ends in the failed state.
var ErrRunFailed = errors.New("pipeline run failed")

// PhaseStatus is the typed outcome of one phase.
type PhaseStatus int

// Phase outcomes. Only PhaseFatal aborts the remaining phases.
const (
	PhaseOK PhaseStatus = iota
	PhasePartial
	PhaseFatal
)

func (s PhaseStatus) String() string {
	switch s {
	case PhaseOK:
		return "ok"
	case PhasePartial:
		return "partial"
	case PhaseFatal:
		return "fatal"
	default:
		return fmt.Sprintf("PhaseStatus(%d)", int(s))
	}
}

type phaseResult struct {
	status PhaseStatus
	err    error
}

func ok() phaseResult             { return phaseResult{status: PhaseOK} }
func fatal(err error) phaseResult { return phaseResult{status: PhaseFatal, err: err} }

// okOrPartial returns PhasePartial when degraded is set.
func okOrPartial(degraded bool) phaseResult {
	if degraded {
		return phaseResult{status: PhasePartial}
	}
	return ok()
}

// Config tunes the orchestrator.
type Config struct {
	// DiscoveryEnabled turns on listing page crawls for categories that
	// declare a ListingURL.
	DiscoveryEnabled bool
	// MaxDiscovered caps the entries added by one discovery pass.
	MaxDiscovered int
	// DiscoveredPriority is assigned to discovered entries.
	DiscoveredPriority int
	// DefaultRateLimit applies when a category has no RateLimit of its own.
	DefaultRateLimit time.Duration
	// RateJitter is the upper bound of the random delay added between fetches.
	RateJitter         time.Duration
	IndexBatchSize     int
	IndexConcurrency   int
	IndexBatchAttempts int
	// IndexBatchBackoff grows linearly with every failed attempt.
	IndexBatchBackoff time.Duration
	// RawPrefix roots the blob path of raw content.
	RawPrefix string
}

// Deps wires the collaborators of an Orchestrator. Clock, Sleeper, Events
// and Logger are optional.
type Deps struct {
	Categories ingest.CategoryStore
	Registry   ingest.Registry
	Documents  ingest.DocumentStore
	Runs       ingest.RunLog
	Fetcher    ingest.Fetcher
	Detector   ingest.ChangeDetector
	Parser     ingest.Parser
	Blobs      ingest.BlobStore
	Embedder   ingest.Embedder
	Index      ingest.IndexStore
	IDs        ingest.IDGenerator
	Clock      ingest.Clock
	Sleeper    ingest.Sleeper
	Events     progress.Emitter
	Logger     *zap.Logger
}

// Request selects the category and mode of one run.
type Request struct {
	Category string
	// Trigger defaults to forced when Force is set and manual otherwise.
	Trigger ingest.TriggerKind
	// Force bypasses the fingerprint skip check.
	Force bool
	// Halt, once closed or signalled, stops the run between entries.
	Halt <-chan struct{}
}

// Orchestrator executes pipeline runs. At most one run per category is in
// flight at any time.
type Orchestrator struct {
	cfg        Config
	categories ingest.CategoryStore
	registry   ingest.Registry
	documents  ingest.DocumentStore
	runs       ingest.RunLog
	fetcher    ingest.Fetcher
	detector   ingest.ChangeDetector
	parser     ingest.Parser
	blobs      ingest.BlobStore
	embedder   ingest.Embedder
	index      ingest.IndexStore
	ids        ingest.IDGenerator
	clock      ingest.Clock
	sleeper    ingest.Sleeper
	events     progress.Emitter
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	required := map[string]any{
		"categories": deps.Categories,
		"registry":   deps.Registry,
		"documents":  deps.Documents,
		"runs":       deps.Runs,
		"fetcher":    deps.Fetcher,
		"detector":   deps.Detector,
		"parser":     deps.Parser,
		"blobs":      deps.Blobs,
		"embedder":   deps.Embedder,
		"index":      deps.Index,
		"ids":        deps.IDs,
	}
	var missing []string
	for name, dep := range required {
		if dep == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("pipeline: missing dependencies: %s", strings.Join(missing, ", "))
	}

	applyDefaults(&cfg)
	clock := system.New()
	o := &Orchestrator{
		cfg:        cfg,
		categories: deps.Categories,
		registry:   deps.Registry,
		documents:  deps.Documents,
		runs:       deps.Runs,
		fetcher:    deps.Fetcher,
		detector:   deps.Detector,
		parser:     deps.Parser,
		blobs:      deps.Blobs,
		embedder:   deps.Embedder,
		index:      deps.Index,
		ids:        deps.IDs,
		clock:      deps.Clock,
		sleeper:    deps.Sleeper,
		events:     deps.Events,
		logger:     deps.Logger,
		running:    make(map[string]struct{}),
	}
	if o.clock == nil {
		o.clock = clock
	}
	if o.sleeper == nil {
		o.sleeper = clock
	}
	if o.events == nil {
		o.events = progress.Nop{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxDiscovered <= 0 {
		cfg.MaxDiscovered = defaultMaxDiscovered
	}
	if cfg.DiscoveredPriority <= 0 {
		cfg.DiscoveredPriority = defaultDiscoveredPriority
	}
	if cfg.IndexBatchSize <= 0 {
		cfg.IndexBatchSize = defaultIndexBatchSize
	}
	if cfg.IndexConcurrency <= 0 {
		cfg.IndexConcurrency = defaultIndexConcurrency
	}
	if cfg.IndexBatchAttempts <= 0 {
		cfg.IndexBatchAttempts = defaultIndexBatchAttempts
	}
	if cfg.IndexBatchBackoff < 0 {
		cfg.IndexBatchBackoff = 0
	} else if cfg.IndexBatchBackoff == 0 {
		cfg.IndexBatchBackoff = defaultIndexBatchBackoff
	}
	if cfg.RawPrefix == "" {
		cfg.RawPrefix = defaultRawPrefix
	}
}

// Running reports whether a run of category is in flight.
func (o *Orchestrator) Running(category string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[category]
	return busy
}

func (o *Orchestrator) acquire(category string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[category]; busy {
		return false
	}
	o.running[category] = struct{}{}
	return true
}

func (o *Orchestrator) release(category string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, category)
}

// savedDocument tracks a document written by the current run.
type savedDocument struct {
	id     string
	chunks int
}

// runState is the mutable state of one run. It is owned by the goroutine
// executing Run.
type runState struct {
	run         ingest.PipelineRun
	category    ingest.Category
	req         Request
	pacer       *ratelimit.Pacer
	saved       []savedDocument
	interrupted bool
}

func (st *runState) warn(msg string) {
	st.run.Warnings = append(st.run.Warnings, msg)
}

// stopped reports whether the run must not start another unit of work.
func (st *runState) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		st.interrupted = true
		return true
	}
	select {
	case <-st.req.Halt:
		st.interrupted = true
		return true
	default:
		return false
	}
}

type phase struct {
	name string
	fn   func(context.Context, *runState) phaseResult
}

func (o *Orchestrator) phases() []phase {
	return []phase{
		{name: "discovery", fn: o.discover},
		{name: "fetch", fn: o.fetchEntries},
		{name: "index", fn: o.indexChunks},
		{name: "validate", fn: o.validate},
	}
}

// Run executes one pipeline run. The returned error is non-nil when the run
// could not start (unknown or inactive category, a run already in flight,
// run log failure) or when it ended failed; in the latter case the returned
// PipelineRun is the final record.
func (o *Orchestrator) Run(ctx context.Context, req Request) (ingest.PipelineRun, error) {
	if strings.TrimSpace(req.Category) == "" {
		return ingest.PipelineRun{}, errors.New("category is required")
	}
	if !o.acquire(req.Category) {
		return ingest.PipelineRun{}, fmt.Errorf("category %s: %w", req.Category, ingest.ErrRunInProgress)
	}
	defer o.release(req.Category)

	category, err := o.categories.GetCategory(ctx, req.Category)
	if err != nil {
		return ingest.PipelineRun{}, fmt.Errorf("load category %s: %w", req.Category, err)
	}
	if !category.Active {
		return ingest.PipelineRun{}, fmt.Errorf("category %s: %w", req.Category, ingest.ErrCategoryInactive)
	}

	st, err := o.start(ctx, category, req)
	if err != nil {
		return ingest.PipelineRun{}, err
	}
	logger := o.logger.With(zap.String("category", category.Name), zap.String("run_id", st.run.ID))

	for _, p := range o.phases() {
		res := p.fn(ctx, st)
		logger.Debug("phase finished", zap.String("phase", p.name), zap.Stringer("status", res.status))
		if res.status == PhaseFatal {
			st.run.Status = ingest.RunFailed
			st.run.Error = fmt.Sprintf("%s: %v", p.name, res.err)
			break
		}
		if st.interrupted {
			break
		}
	}
	return o.finish(ctx, st, logger)
}

func (o *Orchestrator) start(ctx context.Context, category ingest.Category, req Request) (*runState, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = ingest.TriggerManual
		if req.Force {
			trigger = ingest.TriggerForced
		}
	}
	id, err := o.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	rateLimit := category.RateLimit
	if rateLimit <= 0 {
		rateLimit = o.cfg.DefaultRateLimit
	}
	st := &runState{
		run: ingest.PipelineRun{
			ID:        id,
			Category:  category.Name,
			Trigger:   trigger,
			Status:    ingest.RunRunning,
			StartedAt: o.clock.Now(),
		},
		category: category,
		req:      req,
		pacer: ratelimit.NewPacer(ratelimit.PacerConfig{
			MinDelay: rateLimit,
			Jitter:   o.cfg.RateJitter,
			Sleeper:  o.sleeper,
		}),
	}
	if err := o.runs.StartRun(ctx, st.run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if err := o.categories.RecordRun(ctx, category.Name, st.run.StartedAt); err != nil {
		o.logger.Warn("record category run failed", zap.String("category", category.Name), zap.Error(err))
	}
	o.logger.Info("pipeline run started",
		zap.String("category", category.Name),
		zap.String("run_id", id),
		zap.String("trigger", string(trigger)),
		zap.Bool("force", req.Force),
	)
	o.emit(st, progress.Event{Stage: progress.StageRunStart})
	return st, nil
}

func (o *Orchestrator) finish(ctx context.Context, st *runState, logger *zap.Logger) (ingest.PipelineRun, error) {
	run := &st.run
	if run.Status != ingest.RunFailed {
		switch {
		case st.interrupted:
			run.Status = ingest.RunFailed
			run.Error = "run halted before completion"
		case run.EntriesTotal > 0 && run.EntriesFailed == run.EntriesTotal:
			run.Status = ingest.RunFailed
			run.Error = fmt.Sprintf("all %d entries failed", run.EntriesTotal)
		default:
			run.Status = ingest.RunCompleted
		}
	}
	finished := o.clock.Now()
	run.FinishedAt = &finished
	run.Duration = finished.Sub(run.StartedAt)
	if run.Duration < 0 {
		run.Duration = 0
	}

	// The terminal update must land even when ctx was cancelled.
	if err := o.runs.FinishRun(context.WithoutCancel(ctx), *run); err != nil {
		logger.Error("finish run failed", zap.Error(err))
		return *run, fmt.Errorf("finish run %s: %w", run.ID, err)
	}

	final := *run
	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("entries", run.EntriesTotal),
		zap.Int("found", run.DocumentsFound),
		zap.Int("new", run.DocumentsNew),
		zap.Int("updated", run.DocumentsUpdated),
		zap.Int("skipped", run.DocumentsSkipped),
		zap.Int("failed", run.EntriesFailed),
		zap.Int("chunks_indexed", run.ChunksIndexed),
		zap.Int("warnings", len(run.Warnings)),
		zap.Duration("duration", run.Duration),
	}
	if run.Status == ingest.RunFailed {
		logger.Error("pipeline run failed", append(fields, zap.String("error", run.Error))...)
		o.emit(st, progress.Event{Stage: progress.StageRunError, Dur: run.Duration, Note: run.Error, Run: &final})
		return final, fmt.Errorf("%w: %s", ErrRunFailed, run.Error)
	}
	logger.Info("pipeline run completed", fields...)
	o.emit(st, progress.Event{Stage: progress.StageRunDone, Dur: run.Duration, Run: &final})
	return final, nil
}

func (o *Orchestrator) emit(st *runState, evt progress.Event) {
	evt.RunID = st.run.ID
	evt.Category = st.category.Name
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.events.Emit(evt)
}
