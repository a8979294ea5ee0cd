// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	DB         DBConfig                `mapstructure:"db"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Fetcher    FetcherConfig           `mapstructure:"fetcher"`
	Headless   HeadlessConfig          `mapstructure:"headless"`
	Pipeline   PipelineConfig          `mapstructure:"pipeline"`
	Embedder   EmbedderConfig          `mapstructure:"embedder"`
	Index      IndexConfig             `mapstructure:"index"`
	Worker     WorkerConfig            `mapstructure:"worker"`
	PubSub     PubSubConfig            `mapstructure:"pubsub"`
	Categories map[string]CategorySeed `mapstructure:"categories"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database. Driver "memory"
// keeps everything in process.
type DBConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// StorageConfig selects where raw fetched content is kept.
type StorageConfig struct {
	Backend   string   `mapstructure:"backend"`
	Prefix    string   `mapstructure:"prefix"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config configures an S3 compatible bucket.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// FetcherConfig configures the plain HTTP fetcher and its retries.
type FetcherConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	HostRPS          float64 `mapstructure:"host_rps"`
	HostBurst        int     `mapstructure:"host_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	WaitSelector       string `mapstructure:"wait_selector"`
	SettleDelayMs      int    `mapstructure:"settle_delay_ms"`
}

// PipelineConfig tunes the orchestrator phases and the parser.
type PipelineConfig struct {
	DiscoveryEnabled        bool    `mapstructure:"discovery_enabled"`
	MaxDiscovered           int     `mapstructure:"max_discovered"`
	DefaultRateLimitSeconds float64 `mapstructure:"default_rate_limit_seconds"`
	RateJitterMs            int     `mapstructure:"rate_jitter_ms"`
	MinArticleChars         int     `mapstructure:"min_article_chars"`
	MaxChunkChars           int     `mapstructure:"max_chunk_chars"`
	IndexBatchSize          int     `mapstructure:"index_batch_size"`
	IndexConcurrency        int     `mapstructure:"index_concurrency"`
	IndexBatchAttempts      int     `mapstructure:"index_batch_attempts"`
	IndexBatchBackoffMs     int     `mapstructure:"index_batch_backoff_ms"`
	RawPrefix               string  `mapstructure:"raw_prefix"`
}

// EmbedderConfig points at an OpenAI compatible embeddings endpoint.
type EmbedderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SendTask       bool   `mapstructure:"send_task"`
}

// IndexConfig selects the vector store. Backend "memory" keeps vectors in
// process.
type IndexConfig struct {
	Backend    string `mapstructure:"backend"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

// WorkerConfig controls the scheduled worker.
type WorkerConfig struct {
	Timezone              string  `mapstructure:"timezone"`
	MaxAttempts           int     `mapstructure:"max_attempts"`
	RetryDelaysSeconds    []int   `mapstructure:"retry_delays_seconds"`
	RetryJitter           float64 `mapstructure:"retry_jitter"`
	ReloadIntervalSeconds int     `mapstructure:"reload_interval_seconds"`
	StopTimeoutSeconds    int     `mapstructure:"stop_timeout_seconds"`
}

// PubSubConfig holds the run notification topic. Notifications stay in
// process when Enabled is false.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// CategorySeed is the configured shape of one category and its initial
// registry entries.
type CategorySeed struct {
	DisplayName      string          `mapstructure:"display_name"`
	ListingURL       string          `mapstructure:"listing_url"`
	LinkPattern      string          `mapstructure:"link_pattern"`
	Schedule         ingest.Schedule `mapstructure:"schedule"`
	RateLimitSeconds float64         `mapstructure:"rate_limit_seconds"`
	Disabled         bool            `mapstructure:"disabled"`
	Entries          []EntrySeed     `mapstructure:"entries"`
}

// EntrySeed is one registry entry created by the seed command.
type EntrySeed struct {
	URL            string `mapstructure:"url"`
	DocumentNumber string `mapstructure:"document_number"`
	Title          string `mapstructure:"title"`
	Role           string `mapstructure:"role"`
	Priority       int    `mapstructure:"priority"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEGALINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 900)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/raw")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("fetcher.user_agent", "legalingest-bot/0.1")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_retries", 2)
	v.SetDefault("fetcher.backoff_initial_ms", 500)
	v.SetDefault("fetcher.backoff_max_ms", 8000)
	v.SetDefault("fetcher.host_rps", 1.0)
	v.SetDefault("fetcher.host_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_delay_ms", 1500)
	v.SetDefault("pipeline.discovery_enabled", true)
	v.SetDefault("pipeline.max_discovered", 50)
	v.SetDefault("pipeline.default_rate_limit_seconds", 4)
	v.SetDefault("pipeline.rate_jitter_ms", 1000)
	v.SetDefault("pipeline.min_article_chars", 50)
	v.SetDefault("pipeline.max_chunk_chars", 380)
	v.SetDefault("pipeline.index_batch_size", 32)
	v.SetDefault("pipeline.index_concurrency", 2)
	v.SetDefault("pipeline.index_batch_attempts", 3)
	v.SetDefault("pipeline.index_batch_backoff_ms", 2000)
	v.SetDefault("pipeline.raw_prefix", "raw")
	v.SetDefault("embedder.base_url", "https://api.jina.ai/v1")
	v.SetDefault("embedder.model", "jina-embeddings-v3")
	v.SetDefault("embedder.dimensions", 1024)
	v.SetDefault("embedder.timeout_seconds", 60)
	v.SetDefault("embedder.send_task", true)
	v.SetDefault("index.backend", "qdrant")
	v.SetDefault("index.host", "localhost")
	v.SetDefault("index.port", 6334)
	v.SetDefault("index.collection", "legal_chunks")
	v.SetDefault("worker.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_delays_seconds", []int{30, 60, 120})
	v.SetDefault("worker.retry_jitter", 0.1)
	v.SetDefault("worker.reload_interval_seconds", 300)
	v.SetDefault("worker.stop_timeout_seconds", 30)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "legal-corpus-runs")

	// Keys without a useful default are still registered so AutomaticEnv
	// can fill them during Unmarshal.
	for _, key := range []string{
		"auth.api_key",
		"db.dsn",
		"storage.prefix",
		"storage.gcs_bucket",
		"storage.s3.endpoint",
		"storage.s3.bucket",
		"storage.s3.access_key",
		"storage.s3.secret_key",
		"embedder.api_key",
		"index.api_key",
		"pubsub.project_id",
	} {
		v.SetDefault(key, "")
	}
}

var (
	dbDrivers       = []string{"postgres", "memory"}
	storageBackends = []string{"local", "gcs", "s3", "memory"}
	indexBackends   = []string{"qdrant", "memory"}
)

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := oneOf("db.driver", c.DB.Driver, dbDrivers); err != nil {
		return err
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for the postgres driver")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.MaxRetries < 0 {
		return fmt.Errorf("fetcher.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if c.Embedder.BaseURL == "" || c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder.base_url and embedder.dimensions must be set")
	}
	if err := oneOf("index.backend", c.Index.Backend, indexBackends); err != nil {
		return err
	}
	if c.Index.Backend == "qdrant" && (c.Index.Host == "" || c.Index.Collection == "") {
		return fmt.Errorf("index.host and index.collection must be set for qdrant")
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	return c.validateCategories()
}

func (c Config) validateStorage() error {
	if err := oneOf("storage.backend", c.Storage.Backend, storageBackends); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	}
	return nil
}

func (c Config) validatePipeline() error {
	p := c.Pipeline
	switch {
	case p.MaxDiscovered < 0:
		return fmt.Errorf("pipeline.max_discovered must be >= 0")
	case p.DefaultRateLimitSeconds < 0:
		return fmt.Errorf("pipeline.default_rate_limit_seconds must be >= 0")
	case p.MinArticleChars < 0:
		return fmt.Errorf("pipeline.min_article_chars must be >= 0")
	case p.MaxChunkChars <= 0:
		return fmt.Errorf("pipeline.max_chunk_chars must be > 0")
	case p.IndexBatchSize <= 0:
		return fmt.Errorf("pipeline.index_batch_size must be > 0")
	case p.IndexConcurrency <= 0:
		return fmt.Errorf("pipeline.index_concurrency must be > 0")
	case p.IndexBatchAttempts <= 0:
		return fmt.Errorf("pipeline.index_batch_attempts must be > 0")
	}
	return nil
}

func (c Config) validateWorker() error {
	w := c.Worker
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("worker.timezone: %w", err)
		}
	}
	if w.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if len(w.RetryDelaysSeconds) == 0 {
		return fmt.Errorf("worker.retry_delays_seconds must not be empty")
	}
	for _, d := range w.RetryDelaysSeconds {
		if d <= 0 {
			return fmt.Errorf("worker.retry_delays_seconds must be > 0, got %d", d)
		}
	}
	if w.RetryJitter < 0 || w.RetryJitter >= 1 {
		return fmt.Errorf("worker.retry_jitter must be in [0,1)")
	}
	return nil
}

func (c Config) validateCategories() error {
	var errs []error
	for _, name := range c.CategoryNames() {
		seed := c.Categories[name]
		s := seed.Schedule
		if s.Cron == "" {
			switch s.Kind {
			case ingest.ScheduleDaily, ingest.ScheduleWeekly, ingest.ScheduleMonthly:
			default:
				errs = append(errs, fmt.Errorf("categories.%s.schedule.kind %q is not daily, weekly or monthly", name, s.Kind))
			}
		}
		if seed.LinkPattern != "" {
			if _, err := regexp.Compile(seed.LinkPattern); err != nil {
				errs = append(errs, fmt.Errorf("categories.%s.link_pattern: %w", name, err))
			}
		}
		if seed.RateLimitSeconds < 0 {
			errs = append(errs, fmt.Errorf("categories.%s.rate_limit_seconds must be >= 0", name))
		}
		for i, e := range seed.Entries {
			if e.URL == "" {
				errs = append(errs, fmt.Errorf("categories.%s.entries[%d].url must be set", name, i))
			}
		}
	}
	return errors.Join(errs...)
}

func oneOf(key, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// CategoryNames returns the configured category names in sorted order.
func (c Config) CategoryNames() []string {
	names := make([]string, 0, len(c.Categories))
	for name := range c.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Category converts a seed into its stored form.
func (s CategorySeed) Category(name string) ingest.Category {
	return ingest.Category{
		Name:        name,
		DisplayName: s.DisplayName,
		ListingURL:  s.ListingURL,
		LinkPattern: s.LinkPattern,
		Schedule:    s.Schedule,
		RateLimit:   seconds(s.RateLimitSeconds),
		Active:      !s.Disabled,
	}
}

// Metadata converts an entry seed into registry metadata. Seeded entries
// default to the primary role.
func (e EntrySeed) Metadata() ingest.EntryMetadata {
	role := ingest.EntryRole(e.Role)
	if role == "" {
		role = ingest.RolePrimary
	}
	return ingest.EntryMetadata{
		DocumentNumber: e.DocumentNumber,
		Title:          e.Title,
		Role:           role,
		Priority:       e.Priority,
		Configured:     true,
	}
}

// RequestTimeout bounds a single API request, including synchronous runs.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// DefaultRateLimit is the pacing delay for categories without their own.
func (c Config) DefaultRateLimit() time.Duration {
	return seconds(c.Pipeline.DefaultRateLimitSeconds)
}

// RetryDelays converts the worker retry schedule into durations.
func (c Config) RetryDelays() []time.Duration {
	out := make([]time.Duration, 0, len(c.Worker.RetryDelaysSeconds))
	for _, d := range c.Worker.RetryDelaysSeconds {
		out = append(out, time.Duration(d)*time.Second)
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
