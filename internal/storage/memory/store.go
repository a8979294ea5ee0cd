package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// Store implements CategoryStore, Registry, DocumentStore and RunLog in
// memory. Each method is atomic with respect to the others.
type Store struct {
	mu  sync.RWMutex
	ids ingest.IDGenerator
	now func() time.Time

	categories map[string]ingest.Category
	entries    map[string]ingest.RegistryEntry
	byURL      map[string]string
	seq        int64

	documents map[string]ingest.Document
	current   map[string]string
	chunks    map[string]ingest.Chunk
	docChunks map[string][]string
	purged    map[string]bool

	runs     []ingest.PipelineRun
	runIndex map[string]int
}

// NewStore constructs an empty Store using ids for new registry entries.
func NewStore(ids ingest.IDGenerator) *Store {
	return &Store{
		ids:        ids,
		now:        func() time.Time { return time.Now().UTC() },
		categories: make(map[string]ingest.Category),
		entries:    make(map[string]ingest.RegistryEntry),
		byURL:      make(map[string]string),
		documents:  make(map[string]ingest.Document),
		current:    make(map[string]string),
		chunks:     make(map[string]ingest.Chunk),
		docChunks:  make(map[string][]string),
		purged:     make(map[string]bool),
		runIndex:   make(map[string]int),
	}
}

// UpsertCategory inserts a category or updates its configuration, keeping
// counters and worker bookkeeping.
func (s *Store) UpsertCategory(_ context.Context, category ingest.Category) error {
	if category.Name == "" {
		return fmt.Errorf("category name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.categories[category.Name]; ok {
		category.DocumentCount = existing.DocumentCount
		category.ChunkCount = existing.ChunkCount
		category.LastRunAt = existing.LastRunAt
		category.LastWorkerStatus = existing.LastWorkerStatus
		category.LastWorkerRunAt = existing.LastWorkerRunAt
	}
	s.categories[category.Name] = category
	return nil
}

// GetCategory returns a category by name.
func (s *Store) GetCategory(_ context.Context, name string) (ingest.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	category, ok := s.categories[name]
	if !ok {
		return ingest.Category{}, fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	return category, nil
}

// ListActiveCategories returns active categories ordered by name.
func (s *Store) ListActiveCategories(_ context.Context) ([]ingest.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Category, 0, len(s.categories))
	for _, c := range s.categories {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecordRun stamps the category's last run time.
func (s *Store) RecordRun(_ context.Context, name string, at time.Time) error {
	return s.updateCategory(name, func(c *ingest.Category) {
		c.LastRunAt = &at
	})
}

// RecordWorkerOutcome stores the latest worker outcome.
func (s *Store) RecordWorkerOutcome(_ context.Context, name string, status ingest.WorkerStatus, at time.Time) error {
	return s.updateCategory(name, func(c *ingest.Category) {
		c.LastWorkerStatus = status
		c.LastWorkerRunAt = &at
	})
}

// RefreshCounts recomputes cached document and chunk counts from current
// active documents.
func (s *Store) RefreshCounts(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[name]
	if !ok {
		return fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	docs, chunks := 0, 0
	for _, id := range s.current {
		doc := s.documents[id]
		if doc.Category == name && doc.Status == ingest.DocumentActive {
			docs++
			chunks += len(s.docChunks[id])
		}
	}
	c.DocumentCount = docs
	c.ChunkCount = chunks
	s.categories[name] = c
	return nil
}

func (s *Store) updateCategory(name string, fn func(*ingest.Category)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[name]
	if !ok {
		return fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	fn(&c)
	s.categories[name] = c
	return nil
}

// ListActive returns active entries ordered by priority, then insertion.
func (s *Store) ListActive(_ context.Context, category string) ([]ingest.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.RegistryEntry
	for _, e := range s.entries {
		if e.Category == category && e.Active {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// RecordCheck stamps the entry with hash and at.
func (s *Store) RecordCheck(_ context.Context, entryID string, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("record check %s: %w", entryID, ingest.ErrEntryNotFound)
	}
	e.LastContentHash = hash
	e.LastCheckedAt = &at
	s.entries[entryID] = e
	return nil
}

// UpsertDiscovered inserts a new entry, or reactivates the entry with the
// same URL and fills in any metadata that was provided. Role and priority
// of an existing entry change only for configured metadata.
func (s *Store) UpsertDiscovered(_ context.Context, category string, url string, meta ingest.EntryMetadata) (ingest.RegistryEntry, error) {
	if url == "" {
		return ingest.RegistryEntry{}, fmt.Errorf("url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[url]; ok {
		e := s.entries[id]
		e.Active = true
		if meta.Title != "" {
			e.Title = meta.Title
		}
		if meta.DocumentNumber != "" {
			e.DocumentNumber = meta.DocumentNumber
		}
		if meta.Configured {
			if meta.Role != "" {
				e.Role = meta.Role
			}
			e.Priority = meta.Priority
		}
		s.entries[id] = e
		return e, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.RegistryEntry{}, fmt.Errorf("generate entry id: %w", err)
	}
	role := meta.Role
	if role == "" {
		role = ingest.RoleRelated
	}
	s.seq++
	e := ingest.RegistryEntry{
		ID:             id,
		Category:       category,
		URL:            url,
		DocumentNumber: meta.DocumentNumber,
		Title:          meta.Title,
		Role:           role,
		Priority:       meta.Priority,
		Active:         true,
		CreatedAt:      s.now(),
		Seq:            s.seq,
	}
	s.entries[id] = e
	s.byURL[url] = id
	return e, nil
}

// Deactivate marks the entry with url inactive.
func (s *Store) Deactivate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[url]
	if !ok {
		return fmt.Errorf("deactivate %s: %w", url, ingest.ErrNotFound)
	}
	e := s.entries[id]
	e.Active = false
	s.entries[id] = e
	return nil
}

// CurrentDocument returns the current document of an entry.
func (s *Store) CurrentDocument(_ context.Context, entryID string) (ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[entryID]
	if !ok {
		return ingest.Document{}, fmt.Errorf("current document of %s: %w", entryID, ingest.ErrNotFound)
	}
	return s.documents[id], nil
}

// SaveDocument stores doc and its chunks, then supersedes the previous
// current document of the entry.
func (s *Store) SaveDocument(_ context.Context, doc ingest.Document, chunks []ingest.Chunk) error {
	if doc.ID == "" || doc.EntryID == "" {
		return fmt.Errorf("document id and entry id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	seen := make(map[[2]int]bool, len(chunks))
	for _, c := range chunks {
		key := [2]int{c.Seq, c.ChunkIndex}
		if seen[key] {
			return fmt.Errorf("duplicate chunk seq=%d index=%d", c.Seq, c.ChunkIndex)
		}
		seen[key] = true
	}

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		c.DocumentID = doc.ID
		s.chunks[c.ID] = c
		ids = append(ids, c.ID)
	}
	s.documents[doc.ID] = doc
	s.docChunks[doc.ID] = ids
	if prev, ok := s.current[doc.EntryID]; ok && prev != doc.ID {
		old := s.documents[prev]
		old.Status = ingest.DocumentSuperseded
		s.documents[prev] = old
	}
	s.current[doc.EntryID] = doc.ID
	return nil
}

// MarkIndexed flags chunks as present in the index store.
func (s *Store) MarkIndexed(_ context.Context, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		if c, ok := s.chunks[id]; ok {
			c.Indexed = true
			s.chunks[id] = c
		}
	}
	return nil
}

// PendingChunks returns unindexed chunks of active documents in category.
func (s *Store) PendingChunks(_ context.Context, category string) ([]ingest.IndexedChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docIDs := make([]string, 0)
	for _, id := range s.current {
		doc := s.documents[id]
		if doc.Category == category && doc.Status == ingest.DocumentActive {
			docIDs = append(docIDs, id)
		}
	}
	sort.Strings(docIDs)
	var out []ingest.IndexedChunk
	for _, id := range docIDs {
		doc := s.documents[id]
		for _, chunkID := range s.docChunks[id] {
			c := s.chunks[chunkID]
			if c.Indexed {
				continue
			}
			out = append(out, ingest.IndexedChunk{
				Chunk:    c,
				Category: doc.Category,
				Title:    doc.Title,
				Number:   doc.Number,
			})
		}
	}
	return out, nil
}

// PendingPurges returns superseded documents of category whose vectors have
// not been deleted yet, once the entry's current document is fully indexed.
func (s *Store) PendingPurges(_ context.Context, category string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []ingest.Document
	for id, doc := range s.documents {
		if doc.Category != category || doc.Status != ingest.DocumentSuperseded || s.purged[id] {
			continue
		}
		if cur, ok := s.current[doc.EntryID]; ok && s.hasUnindexed(cur) {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].FetchedAt.Equal(docs[j].FetchedAt) {
			return docs[i].FetchedAt.Before(docs[j].FetchedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.ID
	}
	return out, nil
}

func (s *Store) hasUnindexed(documentID string) bool {
	for _, chunkID := range s.docChunks[documentID] {
		if !s.chunks[chunkID].Indexed {
			return true
		}
	}
	return false
}

// MarkPurged flags documents whose vectors were removed from the index store.
func (s *Store) MarkPurged(_ context.Context, documentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range documentIDs {
		if _, ok := s.documents[id]; ok {
			s.purged[id] = true
		}
	}
	return nil
}

// Documents returns every stored document of an entry, oldest first.
func (s *Store) Documents(entryID string) []ingest.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Document
	for _, d := range s.documents {
		if d.EntryID == entryID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	return out
}

// Chunks returns the chunks of a document in storage order.
func (s *Store) Chunks(documentID string) []ingest.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Chunk, 0, len(s.docChunks[documentID]))
	for _, id := range s.docChunks[documentID] {
		out = append(out, s.chunks[id])
	}
	return out
}

// StartRun appends a running run.
func (s *Store) StartRun(_ context.Context, run ingest.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runIndex[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.Status = ingest.RunRunning
	s.runIndex[run.ID] = len(s.runs)
	s.runs = append(s.runs, run)
	return nil
}

// FinishRun applies the terminal update of a running run.
func (s *Store) FinishRun(_ context.Context, run ingest.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.runIndex[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ingest.ErrNotFound)
	}
	if s.runs[i].Status != ingest.RunRunning {
		return fmt.Errorf("run %s: %w", run.ID, ingest.ErrRunFinalized)
	}
	if run.Status == ingest.RunRunning {
		return fmt.Errorf("run %s: terminal status required", run.ID)
	}
	s.runs[i] = run
	return nil
}

// ListRuns returns the newest runs of a category first. A non-positive
// limit returns all of them.
func (s *Store) ListRuns(_ context.Context, category string, limit int) ([]ingest.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.PipelineRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if category != "" && s.runs[i].Category != category {
			continue
		}
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
