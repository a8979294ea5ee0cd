// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/clock/system"
	"github.com/JakeFAU/legal-corpus-ingest/internal/config"
	"github.com/JakeFAU/legal-corpus-ingest/internal/embedding"
	"github.com/JakeFAU/legal-corpus-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/legal-corpus-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/legal-corpus-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/legal-corpus-ingest/internal/fingerprint"
	"github.com/JakeFAU/legal-corpus-ingest/internal/headless/detector"
	"github.com/JakeFAU/legal-corpus-ingest/internal/id/uuid"
	indexmemory "github.com/JakeFAU/legal-corpus-ingest/internal/index/memory"
	"github.com/JakeFAU/legal-corpus-ingest/internal/index/qdrant"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/parser"
	"github.com/JakeFAU/legal-corpus-ingest/internal/pipeline"
	"github.com/JakeFAU/legal-corpus-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress/sinks"
	publishermemory "github.com/JakeFAU/legal-corpus-ingest/internal/publisher/memory"
	publisherpubsub "github.com/JakeFAU/legal-corpus-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/legal-corpus-ingest/internal/storage/gcs"
	"github.com/JakeFAU/legal-corpus-ingest/internal/storage/local"
	storagememory "github.com/JakeFAU/legal-corpus-ingest/internal/storage/memory"
	"github.com/JakeFAU/legal-corpus-ingest/internal/storage/postgres"
	"github.com/JakeFAU/legal-corpus-ingest/internal/storage/s3"
	"github.com/JakeFAU/legal-corpus-ingest/internal/worker"
)

// Store is the relational persistence the pipeline and worker share.
type Store interface {
	ingest.CategoryStore
	ingest.Registry
	ingest.DocumentStore
	ingest.RunLog
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and handed to the cobra commands.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        Store
	ready        func(ctx context.Context) error
	blobs        ingest.BlobStore
	fetcher      ingest.Fetcher
	embedder     ingest.Embedder
	index        ingest.IndexStore
	publisher    ingest.Publisher
	hub          *progress.Hub
	orchestrator *pipeline.Orchestrator
	worker       *worker.Worker
	searcher     *pipeline.Searcher

	// closers run in reverse registration order.
	closers []closer
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	publisher  ingest.Publisher
}

// WithRegisterer registers the progress collectors against reg instead of
// the default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher replaces the configured run notification publisher.
func WithPublisher(p ingest.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// GetConfig returns the configuration the App was built from.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetStore exposes the relational store.
func (a *App) GetStore() Store { return a.store }

// GetIndex exposes the vector index store.
func (a *App) GetIndex() ingest.IndexStore { return a.index }

// GetPublisher returns the run notification publisher.
func (a *App) GetPublisher() ingest.Publisher { return a.publisher }

// GetOrchestrator returns the pipeline orchestrator.
func (a *App) GetOrchestrator() *pipeline.Orchestrator { return a.orchestrator }

// GetWorker returns the scheduled worker. It is not started.
func (a *App) GetWorker() *worker.Worker { return a.worker }

// GetSearcher returns the similarity searcher.
func (a *App) GetSearcher() *pipeline.Searcher { return a.searcher }

// Ready reports whether the backing database is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.ready == nil {
		return nil
	}
	return a.ready(ctx)
}

// NewApp creates and initializes every service from cfg. It fails fast when
// a critical service cannot be initialized and releases whatever was already
// opened.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	logger.Info("initializing application services",
		zap.String("db", cfg.DB.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("index", cfg.Index.Backend),
	)
	clock := system.New()
	ids := uuid.New()

	if err := a.initStore(ctx, ids); err != nil {
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, err
	}
	if err := a.initFetcher(clock); err != nil {
		return nil, err
	}
	if err := a.initIndex(ctx); err != nil {
		return nil, err
	}
	if err := a.initProgress(ctx, o); err != nil {
		return nil, err
	}

	a.orchestrator, err = pipeline.New(pipeline.Config{
		DiscoveryEnabled:   cfg.Pipeline.DiscoveryEnabled,
		MaxDiscovered:      cfg.Pipeline.MaxDiscovered,
		DefaultRateLimit:   cfg.DefaultRateLimit(),
		RateJitter:         time.Duration(cfg.Pipeline.RateJitterMs) * time.Millisecond,
		IndexBatchSize:     cfg.Pipeline.IndexBatchSize,
		IndexConcurrency:   cfg.Pipeline.IndexConcurrency,
		IndexBatchAttempts: cfg.Pipeline.IndexBatchAttempts,
		IndexBatchBackoff:  time.Duration(cfg.Pipeline.IndexBatchBackoffMs) * time.Millisecond,
		RawPrefix:          cfg.Pipeline.RawPrefix,
	}, pipeline.Deps{
		Categories: a.store,
		Registry:   a.store,
		Documents:  a.store,
		Runs:       a.store,
		Fetcher:    a.fetcher,
		Detector:   fingerprint.New(),
		Parser: parser.New(parser.Config{
			MinArticleChars: cfg.Pipeline.MinArticleChars,
			MaxChunkChars:   cfg.Pipeline.MaxChunkChars,
		}),
		Blobs:    a.blobs,
		Embedder: a.embedder,
		Index:    a.index,
		IDs:      ids,
		Clock:    clock,
		Sleeper:  clock,
		Events:   a.hub,
		Logger:   logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	a.worker, err = worker.New(worker.Config{
		Timezone:       cfg.Worker.Timezone,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		RetryDelays:    cfg.RetryDelays(),
		RetryJitter:    cfg.Worker.RetryJitter,
		ReloadInterval: time.Duration(cfg.Worker.ReloadIntervalSeconds) * time.Second,
		StopTimeout:    time.Duration(cfg.Worker.StopTimeoutSeconds) * time.Second,
	}, worker.Deps{
		Categories: a.store,
		Runner:     a.orchestrator,
		Clock:      clock,
		Sleeper:    clock,
		Logger:     logger.Named("worker"),
	})
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}
	a.searcher = pipeline.NewSearcher(a.embedder, a.index)

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) initStore(ctx context.Context, ids ingest.IDGenerator) error {
	switch a.cfg.DB.Driver {
	case "memory":
		a.logger.Warn("using in-memory store; state is lost on exit")
		a.store = storagememory.NewStore(ids)
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
		}, ids)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error {
			pg.Close()
			return nil
		})
		if a.cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		a.store = pg
		a.ready = pg.Ping
	default:
		return fmt.Errorf("unknown db driver: %s", a.cfg.DB.Driver)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Backend {
	case "memory":
		a.blobs = storagememory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		a.blobs = store
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gcs client: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: sc.GCSBucket, Prefix: sc.Prefix})
		if err != nil {
			return fmt.Errorf("failed to initialize gcs storage: %w", err)
		}
		a.blobs = store
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  sc.S3.Endpoint,
			Region:    sc.S3.Region,
			Bucket:    sc.S3.Bucket,
			Prefix:    sc.Prefix,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			UseSSL:    sc.S3.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		a.blobs = store
	default:
		return fmt.Errorf("unknown storage backend: %s", sc.Backend)
	}
	return nil
}

// initFetcher builds colly, optionally promoted to chromedp, wrapped in
// per-host limiting and retries.
func (a *App) initFetcher(clock *system.Clock) error {
	fc := a.cfg.Fetcher
	var base ingest.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       time.Duration(fc.TimeoutSeconds) * time.Second,
	})
	if hc := a.cfg.Headless; hc.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: time.Duration(hc.NavTimeoutSec) * time.Second,
			WaitSelector:      hc.WaitSelector,
			SettleDelay:       time.Duration(hc.SettleDelayMs) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize headless fetcher: %w", err)
		}
		a.addCloser("headless", func(context.Context) error {
			browser.Close()
			return nil
		})
		base = fetcher.NewPromoting(base, browser, detector.NewHeuristic(hc.PromotionThreshold), a.logger.Named("fetcher"))
	}
	a.fetcher = fetcher.NewRetrying(base, fetcher.RetryingConfig{
		Policy: fetcher.NewRetryPolicy(
			fc.MaxRetries,
			time.Duration(fc.BackoffInitialMs)*time.Millisecond,
			time.Duration(fc.BackoffMaxMs)*time.Millisecond,
		),
		Sleeper: clock,
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: fc.HostRPS, DefaultBurst: fc.HostBurst}),
		Logger:  a.logger.Named("fetcher"),
	})
	return nil
}

func (a *App) initIndex(ctx context.Context) error {
	ec := a.cfg.Embedder
	embedder, err := embedding.New(embedding.Config{
		BaseURL:    ec.BaseURL,
		Model:      ec.Model,
		APIKey:     ec.APIKey,
		Dimensions: ec.Dimensions,
		Timeout:    time.Duration(ec.TimeoutSeconds) * time.Second,
		SendTask:   ec.SendTask,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	a.embedder = embedder

	ic := a.cfg.Index
	switch ic.Backend {
	case "memory":
		a.index = indexmemory.New()
	case "qdrant":
		store, err := qdrant.New(qdrant.Config{
			Host:            ic.Host,
			Port:            ic.Port,
			Collection:      ic.Collection,
			APIKey:          ic.APIKey,
			UseTLS:          ic.UseTLS,
			VectorDimension: ec.Dimensions,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize qdrant: %w", err)
		}
		a.addCloser("qdrant", func(context.Context) error { return store.Close() })
		if err := store.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to ensure qdrant collection: %w", err)
		}
		a.index = store
	default:
		return fmt.Errorf("unknown index backend: %s", ic.Backend)
	}
	return nil
}

// initProgress builds the notification publisher and the progress hub with
// its log, Prometheus and publisher sinks.
func (a *App) initProgress(ctx context.Context, o options) error {
	switch {
	case o.publisher != nil:
		a.publisher = o.publisher
	case a.cfg.PubSub.Enabled:
		pub, err := publisherpubsub.New(ctx, publisherpubsub.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			Topic:     a.cfg.PubSub.Topic,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub publisher: %w", err)
		}
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
		a.publisher = pub
	default:
		a.publisher = publishermemory.New(a.cfg.PubSub.Topic)
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return fmt.Errorf("failed to initialize progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		sinks.NewPublisherSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("notify")),
	)
	a.addCloser("progress", a.hub.Close)
	return nil
}

// SeedReport counts what Seed wrote.
type SeedReport struct {
	Categories int `json:"categories"`
	Entries    int `json:"entries"`
}

// Seed upserts every configured category and its registry entries. Existing
// entries are reactivated rather than duplicated.
func (a *App) Seed(ctx context.Context) (SeedReport, error) {
	var report SeedReport
	for _, name := range a.cfg.CategoryNames() {
		seed := a.cfg.Categories[name]
		if err := a.store.UpsertCategory(ctx, seed.Category(name)); err != nil {
			return report, fmt.Errorf("seed category %s: %w", name, err)
		}
		report.Categories++
		for _, entry := range seed.Entries {
			if _, err := a.store.UpsertDiscovered(ctx, name, entry.URL, entry.Metadata()); err != nil {
				return report, fmt.Errorf("seed entry %s: %w", entry.URL, err)
			}
			report.Entries++
		}
	}
	a.logger.Info("seeded categories",
		zap.Int("categories", report.Categories),
		zap.Int("entries", report.Entries),
	)
	return report, nil
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases every service in reverse initialization order. The
// progress hub drains before the publisher it feeds is closed.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
