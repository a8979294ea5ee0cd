// Package worker schedules pipeline runs per category: one job per active
// category, a single timer loop, bounded retries and cooperative shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/clock/system"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/metrics"
	"github.com/JakeFAU/legal-corpus-ingest/internal/pipeline"
)

const (
	defaultMaxAttempts    = 3
	defaultReloadInterval = 5 * time.Minute
	defaultStopTimeout    = 30 * time.Second
	minWake               = time.Second
)

var defaultRetryDelays = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrStopped rejects triggers after Stop.
	ErrStopped = errors.New("worker stopped")
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (ingest.PipelineRun, error)
}

// Config controls Worker behavior.
type Config struct {
	// Timezone is applied to every category schedule through CRON_TZ.
	Timezone string
	// MaxAttempts bounds the orchestrations of one scheduled trigger.
	MaxAttempts int
	// RetryDelays[i] is waited after failed attempt i+1. The last delay
	// repeats when there are more attempts than delays.
	RetryDelays []time.Duration
	// RetryJitter is a fraction; each delay is scaled by 1±RetryJitter.
	RetryJitter float64
	// ReloadInterval bounds how long the loop sleeps before re-reading
	// categories.
	ReloadInterval time.Duration
	// StopTimeout bounds how long Stop waits for in-flight runs before
	// cancelling their I/O.
	StopTimeout time.Duration
}

// Deps wires the collaborators of a Worker.
type Deps struct {
	Categories ingest.CategoryStore
	Runner     Runner
	Clock      ingest.Clock
	Sleeper    ingest.Sleeper
	Logger     *zap.Logger
}

// JobStatus is the live view of one registered job.
type JobStatus struct {
	Category   string              `json:"category"`
	Spec       string              `json:"spec"`
	NextRun    time.Time           `json:"next_run"`
	Running    bool                `json:"running"`
	LastStatus ingest.WorkerStatus `json:"last_status,omitempty"`
	LastRunAt  *time.Time          `json:"last_run_at,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

// CategorySchedule describes when an active category runs next, computed
// from its stored row.
type CategorySchedule struct {
	Category         string              `json:"category"`
	DisplayName      string              `json:"display_name"`
	Schedule         ingest.Schedule     `json:"schedule"`
	Spec             string              `json:"spec"`
	NextRun          time.Time           `json:"next_run"`
	DocumentCount    int                 `json:"document_count"`
	ChunkCount       int                 `json:"chunk_count"`
	LastWorkerStatus ingest.WorkerStatus `json:"last_worker_status,omitempty"`
	LastWorkerRunAt  *time.Time          `json:"last_worker_run_at,omitempty"`
	Error            string              `json:"error,omitempty"`
}

type job struct {
	category   string
	spec       string
	schedule   cron.Schedule
	next       time.Time
	running    bool
	lastStatus ingest.WorkerStatus
	lastRunAt  *time.Time
	lastError  string
}

// Worker owns the job table. Construct one per process and share the handle.
type Worker struct {
	cfg        Config
	categories ingest.CategoryStore
	runner     Runner
	clock      ingest.Clock
	sleeper    ingest.Sleeper
	logger     *zap.Logger
	jitter     func() float64

	// stopCtx is cancelled when Stop begins: it closes the trigger gate,
	// halts runs between entries and interrupts retry waits.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	// runCtx carries the I/O of scheduled runs; it is cancelled only when
	// Stop gives up waiting.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*job
	started  bool
	stopped  bool
	inflight sync.WaitGroup
	wake     chan struct{}
	loopDone chan struct{}
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Categories == nil || deps.Runner == nil {
		return nil, errors.New("worker: categories and runner are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = defaultRetryDelays
	}
	if cfg.RetryJitter < 0 || cfg.RetryJitter >= 1 {
		return nil, fmt.Errorf("worker: retry jitter %v must be in [0,1)", cfg.RetryJitter)
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = defaultReloadInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("worker: timezone: %w", err)
		}
	}
	clock := system.New()
	w := &Worker{
		cfg:        cfg,
		categories: deps.Categories,
		runner:     deps.Runner,
		clock:      deps.Clock,
		sleeper:    deps.Sleeper,
		logger:     deps.Logger,
		jitter:     rand.Float64,
		jobs:       make(map[string]*job),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}
	if w.clock == nil {
		w.clock = clock
	}
	if w.sleeper == nil {
		w.sleeper = clock
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.stopCtx, w.stopCancel = context.WithCancel(context.Background())
	w.runCtx, w.runCancel = context.WithCancel(context.Background())
	return w, nil
}

// Start loads the active categories, registers their jobs and begins the
// scheduling loop. A category store failure here is fatal for the caller.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.stopped:
		w.mu.Unlock()
		return ErrStopped
	case w.started:
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.mu.Unlock()

	if err := w.Reload(ctx); err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	w.mu.Lock()
	w.started = true
	jobs := len(w.jobs)
	w.mu.Unlock()

	go w.loop()
	w.logger.Info("worker started", zap.Int("jobs", jobs), zap.String("timezone", w.cfg.Timezone))
	return nil
}

// Reload re-reads active categories. New categories are registered,
// deactivated ones unregistered and changed schedules replaced; a category
// never has more than one job.
func (w *Worker) Reload(ctx context.Context) error {
	categories, err := w.categories.ListActiveCategories(ctx)
	if err != nil {
		return fmt.Errorf("list active categories: %w", err)
	}
	now := w.clock.Now()

	type compiled struct {
		category ingest.Category
		spec     string
		schedule cron.Schedule
	}
	next := make(map[string]compiled, len(categories))
	for _, c := range categories {
		schedule, spec, err := ParseSchedule(c.Schedule, w.cfg.Timezone)
		if err != nil {
			w.logger.Error("invalid category schedule", zap.String("category", c.Name), zap.Error(err))
			continue
		}
		next[c.Name] = compiled{category: c, spec: spec, schedule: schedule}
	}

	w.mu.Lock()
	for name, c := range next {
		existing, ok := w.jobs[name]
		switch {
		case !ok:
			w.jobs[name] = &job{
				category:   name,
				spec:       c.spec,
				schedule:   c.schedule,
				next:       c.schedule.Next(now),
				lastStatus: c.category.LastWorkerStatus,
				lastRunAt:  c.category.LastWorkerRunAt,
			}
			w.logger.Info("job registered", zap.String("category", name), zap.String("spec", c.spec))
		case existing.spec != c.spec:
			existing.spec = c.spec
			existing.schedule = c.schedule
			existing.next = c.schedule.Next(now)
			w.logger.Info("job rescheduled", zap.String("category", name), zap.String("spec", c.spec))
		}
	}
	for name := range w.jobs {
		if _, ok := next[name]; !ok {
			delete(w.jobs, name)
			w.logger.Info("job unregistered", zap.String("category", name))
		}
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) loop() {
	defer close(w.loopDone)
	for {
		timer := time.NewTimer(w.untilNextWake())
		select {
		case <-w.stopCtx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
			w.tick(w.stopCtx)
		}
	}
}

// untilNextWake returns the wait until the earliest due job, capped by the
// reload interval.
func (w *Worker) untilNextWake() time.Duration {
	now := w.clock.Now()
	wait := w.cfg.ReloadInterval
	w.mu.Lock()
	for _, j := range w.jobs {
		if d := j.next.Sub(now); d < wait {
			wait = d
		}
	}
	w.mu.Unlock()
	return max(wait, minWake)
}

// tick reloads categories and fires every due job.
func (w *Worker) tick(ctx context.Context) {
	if err := w.Reload(ctx); err != nil {
		w.logger.Error("reload categories failed", zap.Error(err))
	}
	now := w.clock.Now()
	var due []string
	w.mu.Lock()
	for name, j := range w.jobs {
		if !j.next.After(now) {
			j.next = j.schedule.Next(now)
			due = append(due, name)
		}
	}
	w.mu.Unlock()
	sort.Strings(due)
	for _, name := range due {
		w.trigger(name)
	}
}

// trigger starts a scheduled run of name in the background. It returns false
// when the trigger is coalesced because the job is running, unknown, or the
// worker is stopping.
func (w *Worker) trigger(name string) bool {
	w.mu.Lock()
	j, ok := w.jobs[name]
	switch {
	case w.stopped || w.stopCtx.Err() != nil:
		w.mu.Unlock()
		return false
	case !ok:
		w.mu.Unlock()
		return false
	case j.running:
		w.mu.Unlock()
		w.logger.Info("trigger coalesced, previous run still in flight", zap.String("category", name))
		return false
	}
	j.running = true
	w.inflight.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.inflight.Done()
		w.runCategory(name)
	}()
	return true
}

// runCategory runs a scheduled orchestration with bounded retries and
// records the operator-facing outcome.
func (w *Worker) runCategory(name string) {
	logger := w.logger.With(zap.String("category", name))
	var (
		run     ingest.PipelineRun
		err     error
		attempt int
	)
	for attempt = 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		run, err = w.runner.Run(w.runCtx, pipeline.Request{
			Category: name,
			Trigger:  ingest.TriggerScheduled,
			Halt:     w.stopCtx.Done(),
		})
		if err == nil {
			break
		}
		if errors.Is(err, ingest.ErrRunInProgress) {
			// A manual run holds the category; this trigger is coalesced.
			logger.Info("scheduled run coalesced with a manual run")
			w.finishJob(name, "", nil, "")
			return
		}
		logger.Warn("scheduled run attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if !retryable(err) || w.stopCtx.Err() != nil || attempt == w.cfg.MaxAttempts {
			break
		}
		delay := w.retryDelay(attempt)
		metrics.ObserveWorkerRetry(name)
		if serr := w.sleeper.Sleep(w.stopCtx, delay); serr != nil {
			logger.Info("retry wait interrupted", zap.Error(serr))
			break
		}
	}

	if w.interruptedByStop(run, err) {
		logger.Info("scheduled run interrupted by shutdown, outcome not recorded", zap.Error(err))
		w.finishJob(name, "", nil, "")
		return
	}

	status := ingest.WorkerFailed
	lastError := ""
	if err == nil {
		status = run.Outcome()
	} else {
		lastError = err.Error()
		logger.Error("scheduled run failed", zap.Int("attempts", min(attempt, w.cfg.MaxAttempts)), zap.Error(err))
	}
	at := w.clock.Now()
	if rerr := w.categories.RecordWorkerOutcome(context.WithoutCancel(w.runCtx), name, status, at); rerr != nil {
		logger.Error("record worker outcome failed", zap.Error(rerr))
	}
	w.finishJob(name, status, &at, lastError)
}

// interruptedByStop reports whether a run that did not complete was cut
// short by Stop. Such runs keep the category's previous worker status.
func (w *Worker) interruptedByStop(run ingest.PipelineRun, err error) bool {
	if w.stopCtx.Err() == nil {
		return false
	}
	return err != nil || run.Status != ingest.RunCompleted
}

// retryable reports whether another attempt could change the outcome.
func retryable(err error) bool {
	return !errors.Is(err, ingest.ErrCategoryInactive) && !errors.Is(err, ingest.ErrNotFound)
}

func (w *Worker) finishJob(name string, status ingest.WorkerStatus, at *time.Time, lastError string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	j, ok := w.jobs[name]
	if !ok {
		return
	}
	j.running = false
	if status != "" {
		j.lastStatus = status
		j.lastRunAt = at
		j.lastError = lastError
	}
}

// retryDelay returns the wait after failed attempt n (1-based).
func (w *Worker) retryDelay(n int) time.Duration {
	base := w.cfg.RetryDelays[min(n-1, len(w.cfg.RetryDelays)-1)]
	if w.cfg.RetryJitter == 0 {
		return base
	}
	factor := 1 + (w.jitter()*2-1)*w.cfg.RetryJitter
	return time.Duration(float64(base) * factor)
}

// RunNow runs a category synchronously, outside its schedule. It shares the
// single-flight guard with scheduled runs and is not retried.
func (w *Worker) RunNow(ctx context.Context, name string, force bool) (ingest.PipelineRun, error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ingest.PipelineRun{}, ErrStopped
	}
	j, registered := w.jobs[name]
	if registered {
		if j.running {
			w.mu.Unlock()
			return ingest.PipelineRun{}, fmt.Errorf("category %s: %w", name, ingest.ErrRunInProgress)
		}
		j.running = true
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	trigger := ingest.TriggerManual
	if force {
		trigger = ingest.TriggerForced
	}
	run, err := w.runner.Run(ctx, pipeline.Request{
		Category: name,
		Trigger:  trigger,
		Force:    force,
		Halt:     w.stopCtx.Done(),
	})
	if run.ID == "" || w.interruptedByStop(run, err) {
		if registered {
			w.finishJob(name, "", nil, "")
		}
		return run, err
	}

	status := ingest.WorkerFailed
	lastError := ""
	if err == nil {
		status = run.Outcome()
	} else {
		lastError = err.Error()
	}
	at := w.clock.Now()
	if rerr := w.categories.RecordWorkerOutcome(context.WithoutCancel(ctx), name, status, at); rerr != nil {
		w.logger.Error("record worker outcome failed", zap.String("category", name), zap.Error(rerr))
	}
	if registered {
		w.finishJob(name, status, &at, lastError)
	}
	return run, err
}

// Status returns a snapshot of every registered job, sorted by category. It
// never waits for a run.
func (w *Worker) Status() []JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]JobStatus, 0, len(w.jobs))
	for _, j := range w.jobs {
		out = append(out, JobStatus{
			Category:   j.category,
			Spec:       j.spec,
			NextRun:    j.next,
			Running:    j.running,
			LastStatus: j.lastStatus,
			LastRunAt:  j.lastRunAt,
			LastError:  j.lastError,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Category < out[b].Category })
	return out
}

// Schedule computes the next run of every active category from the store,
// whether or not the worker is started.
func (w *Worker) Schedule(ctx context.Context) ([]CategorySchedule, error) {
	categories, err := w.categories.ListActiveCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active categories: %w", err)
	}
	now := w.clock.Now()
	out := make([]CategorySchedule, 0, len(categories))
	for _, c := range categories {
		entry := CategorySchedule{
			Category:         c.Name,
			DisplayName:      c.DisplayName,
			Schedule:         c.Schedule,
			DocumentCount:    c.DocumentCount,
			ChunkCount:       c.ChunkCount,
			LastWorkerStatus: c.LastWorkerStatus,
			LastWorkerRunAt:  c.LastWorkerRunAt,
		}
		schedule, spec, err := ParseSchedule(c.Schedule, w.cfg.Timezone)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Spec = spec
			entry.NextRun = schedule.Next(now)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Stop closes the trigger gate, asks in-flight runs to halt after their
// current entry and waits up to StopTimeout. If the wait expires the runs'
// I/O is cancelled and an error is returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	w.stopCancel()
	if started {
		<-w.loopDone
	}

	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.StopTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("in-flight runs did not finish within %s", w.cfg.StopTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("stop: %w", ctx.Err())
	}
	w.runCancel()
	if err != nil {
		w.logger.Warn("worker stop forced", zap.Error(err))
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}
