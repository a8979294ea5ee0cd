package ingest

import (
	"context"
	"time"
)

// CategoryStore persists category configuration and worker bookkeeping.
type CategoryStore interface {
	UpsertCategory(ctx context.Context, category Category) error
	GetCategory(ctx context.Context, name string) (Category, error)
	ListActiveCategories(ctx context.Context) ([]Category, error)
	RecordRun(ctx context.Context, name string, at time.Time) error
	RecordWorkerOutcome(ctx context.Context, name string, status WorkerStatus, at time.Time) error
	RefreshCounts(ctx context.Context, name string) error
}

// Registry is the authoritative list of what to fetch.
type Registry interface {
	// ListActive returns active entries ordered by priority, then insertion order.
	ListActive(ctx context.Context, category string) ([]RegistryEntry, error)
	// RecordCheck updates the check timestamp and hash unconditionally. It
	// returns ErrEntryNotFound when the entry does not exist.
	RecordCheck(ctx context.Context, entryID string, hash string, at time.Time) error
	// UpsertDiscovered inserts a new entry or reactivates an inactive one.
	UpsertDiscovered(ctx context.Context, category string, url string, meta EntryMetadata) (RegistryEntry, error)
	Deactivate(ctx context.Context, url string) error
}

// DocumentStore persists parsed documents and their chunks.
type DocumentStore interface {
	// CurrentDocument returns the active document of an entry or ErrNotFound.
	CurrentDocument(ctx context.Context, entryID string) (Document, error)
	// SaveDocument inserts doc and chunks, then marks the previous current
	// document of the same entry superseded.
	SaveDocument(ctx context.Context, doc Document, chunks []Chunk) error
	MarkIndexed(ctx context.Context, chunkIDs []string) error
	// PendingChunks returns the not yet indexed chunks of active documents
	// in category, without vectors, ordered by document then position.
	PendingChunks(ctx context.Context, category string) ([]IndexedChunk, error)
	// PendingPurges returns superseded documents in category whose vectors
	// may still be in the index store and whose entry's current document
	// is fully indexed, oldest first.
	PendingPurges(ctx context.Context, category string) ([]string, error)
	// MarkPurged records that the vectors of documentIDs were deleted.
	MarkPurged(ctx context.Context, documentIDs []string) error
}

// RunLog is the append-only record of pipeline runs.
type RunLog interface {
	StartRun(ctx context.Context, run PipelineRun) error
	// FinishRun applies the single terminal update; later calls return ErrRunFinalized.
	FinishRun(ctx context.Context, run PipelineRun) error
	ListRuns(ctx context.Context, category string, limit int) ([]PipelineRun, error)
}

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// IndexStore persists chunk vectors and answers similarity queries. Upsert
// is idempotent by chunk id.
type IndexStore interface {
	Upsert(ctx context.Context, chunks []IndexedChunk) error
	Count(ctx context.Context, documentID string) (int, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, vector []float32, topK int, filters SearchFilters) ([]ScoredChunk, error)
}

// Fetcher retrieves raw content for one URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain fetch must be re-done in a browser.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// ChangeDetector computes content fingerprints.
type ChangeDetector interface {
	Fingerprint(raw []byte) (string, error)
}

// Parser turns raw content into a document and its chunks.
type Parser interface {
	Parse(raw []byte, sourceURL string) (ParsedDocument, error)
}

// ParsedDocument is the parser output before ids are assigned.
type ParsedDocument struct {
	Document Document
	Chunks   []Chunk
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper waits for a duration unless ctx finishes first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ChangedFrom reports whether hash differs from the last recorded content
// hash. An entry that was never fingerprinted always counts as changed.
func (e RegistryEntry) ChangedFrom(hash string) bool {
	return e.LastContentHash == "" || e.LastContentHash != hash
}
