package ingest

import (
	"net/http"
	"time"
)

// EntryRole orders registry entries within a category crawl.
type EntryRole string

// Supported registry entry roles.
const (
	RolePrimary EntryRole = "primary"
	RoleRelated EntryRole = "related"
	RoleBase    EntryRole = "base"
)

// DocumentStatus tracks the lifecycle of a parsed document.
type DocumentStatus string

// Supported document statuses.
const (
	DocumentActive     DocumentStatus = "active"
	DocumentSuperseded DocumentStatus = "superseded"
	DocumentExpired    DocumentStatus = "expired"
)

// TriggerKind records what started a pipeline run.
type TriggerKind string

// Supported trigger kinds.
const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerForced    TriggerKind = "forced"
)

// RunStatus is the lifecycle state of a PipelineRun.
type RunStatus string

// Supported run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkerStatus is the operator-facing outcome of the latest worker run.
type WorkerStatus string

// Supported worker outcomes.
const (
	WorkerSuccess WorkerStatus = "success"
	WorkerPartial WorkerStatus = "partial"
	WorkerFailed  WorkerStatus = "failed"
)

// ScheduleKind selects the cadence of a category schedule.
type ScheduleKind string

// Supported schedule cadences.
const (
	ScheduleDaily   ScheduleKind = "daily"
	ScheduleWeekly  ScheduleKind = "weekly"
	ScheduleMonthly ScheduleKind = "monthly"
)

// Schedule describes when a category is refreshed. Cron, when set, wins
// over the cadence fields and must be a standard five field expression.
type Schedule struct {
	Kind       ScheduleKind `json:"kind" mapstructure:"kind"`
	At         string       `json:"at" mapstructure:"at"`
	Weekday    int          `json:"weekday" mapstructure:"weekday"`
	DayOfMonth int          `json:"day_of_month" mapstructure:"day_of_month"`
	Cron       string       `json:"cron,omitempty" mapstructure:"cron"`
}

// Category is a named ingestion domain with its own schedule.
type Category struct {
	Name             string        `json:"name"`
	DisplayName      string        `json:"display_name"`
	ListingURL       string        `json:"listing_url,omitempty"`
	LinkPattern      string        `json:"link_pattern,omitempty"`
	Schedule         Schedule      `json:"schedule"`
	RateLimit        time.Duration `json:"rate_limit"`
	Active           bool          `json:"active"`
	DocumentCount    int           `json:"document_count"`
	ChunkCount       int           `json:"chunk_count"`
	LastRunAt        *time.Time    `json:"last_run_at,omitempty"`
	LastWorkerStatus WorkerStatus  `json:"last_worker_status,omitempty"`
	LastWorkerRunAt  *time.Time    `json:"last_worker_run_at,omitempty"`
}

// RegistryEntry is one source URL tracked for fetching.
type RegistryEntry struct {
	ID              string     `json:"id"`
	Category        string     `json:"category"`
	URL             string     `json:"url"`
	DocumentNumber  string     `json:"document_number,omitempty"`
	Title           string     `json:"title,omitempty"`
	Role            EntryRole  `json:"role"`
	Priority        int        `json:"priority"`
	Active          bool       `json:"active"`
	LastCheckedAt   *time.Time `json:"last_checked_at,omitempty"`
	LastContentHash string     `json:"last_content_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Seq             int64      `json:"seq"`
}

// EntryMetadata carries the descriptive fields of a newly discovered entry.
type EntryMetadata struct {
	DocumentNumber string
	Title          string
	Role           EntryRole
	Priority       int
	// Configured marks entries declared in configuration. Their role and
	// priority replace the stored values when the URL is already tracked.
	Configured bool
}

// Document is a parsed, versioned representation of one fetched source.
type Document struct {
	ID               string         `json:"id"`
	EntryID          string         `json:"entry_id"`
	Category         string         `json:"category"`
	Type             string         `json:"type,omitempty"`
	Number           string         `json:"number,omitempty"`
	Title            string         `json:"title"`
	IssuingAuthority string         `json:"issuing_authority,omitempty"`
	IssuedDate       *time.Time     `json:"issued_date,omitempty"`
	EffectiveDate    *time.Time     `json:"effective_date,omitempty"`
	ExpiryDate       *time.Time     `json:"expiry_date,omitempty"`
	Status           DocumentStatus `json:"status"`
	ContentHash      string         `json:"content_hash"`
	RawURI           string         `json:"raw_uri,omitempty"`
	SourceURL        string         `json:"source_url"`
	ReplacesID       string         `json:"replaces_id,omitempty"`
	ArticleCount     int            `json:"article_count"`
	FetchedAt        time.Time      `json:"fetched_at"`
}

// Chunk is a retrievable text unit belonging to a Document. ChunkIndex 0
// means the whole article; values above zero are split fragments.
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	Seq           int    `json:"seq"`
	ChunkIndex    int    `json:"chunk_index"`
	ArticleNumber int    `json:"article_number"`
	ArticleTitle  string `json:"article_title,omitempty"`
	Chapter       string `json:"chapter,omitempty"`
	Text          string `json:"text"`
	Hash          string `json:"hash"`
	Indexed       bool   `json:"indexed"`
}

// FailedEntry records why a registry entry could not be processed.
type FailedEntry struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// PipelineRun is the audit record of one orchestration of one category.
type PipelineRun struct {
	ID               string        `json:"id"`
	Category         string        `json:"category"`
	Trigger          TriggerKind   `json:"trigger"`
	Status           RunStatus     `json:"status"`
	EntriesTotal     int           `json:"entries_total"`
	DocumentsFound   int           `json:"documents_found"`
	DocumentsNew     int           `json:"documents_new"`
	DocumentsUpdated int           `json:"documents_updated"`
	DocumentsSkipped int           `json:"documents_skipped"`
	EntriesFailed    int           `json:"entries_failed"`
	ChunksExpected   int           `json:"chunks_expected"`
	ChunksIndexed    int           `json:"chunks_indexed"`
	BatchesFailed    int           `json:"batches_failed"`
	FailedEntries    []FailedEntry `json:"failed_entries,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Outcome maps a finished run onto the operator-facing worker status.
func (r PipelineRun) Outcome() WorkerStatus {
	switch {
	case r.Status != RunCompleted:
		return WorkerFailed
	case r.EntriesFailed > 0 || r.BatchesFailed > 0 || len(r.Warnings) > 0:
		return WorkerPartial
	default:
		return WorkerSuccess
	}
}

// SearchFilters narrows a similarity search.
type SearchFilters struct {
	Category   string
	DocumentID string
}

// ScoredChunk is one ranked similarity search hit.
type ScoredChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	Category      string  `json:"category"`
	ArticleNumber int     `json:"article_number"`
	ArticleTitle  string  `json:"article_title,omitempty"`
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
}

// IndexedChunk pairs a chunk with its vector and the owning document fields
// stored as index payload.
type IndexedChunk struct {
	Chunk    Chunk
	Category string
	Title    string
	Number   string
	Vector   []float32
}

// FetchRequest describes a single source retrieval.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse carries the raw content of a retrieval.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
