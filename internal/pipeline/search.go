package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

// ErrEmptyQuery rejects a search without query text.
var ErrEmptyQuery = errors.New("query is required")

// Query is one similarity search.
type Query struct {
	Text     string
	Category string
	TopK     int
}

// Searcher answers similarity queries over the indexed chunks.
type Searcher struct {
	embedder ingest.Embedder
	index    ingest.IndexStore
}

// NewSearcher builds a Searcher.
func NewSearcher(embedder ingest.Embedder, index ingest.IndexStore) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

// Search embeds the query text and returns the closest chunks. TopK defaults
// to 5 and is capped at 50.
func (s *Searcher) Search(ctx context.Context, q Query) ([]ingest.ScoredChunk, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	topK = min(topK, maxTopK)

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, vector, topK, ingest.SearchFilters{Category: q.Category})
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return hits, nil
}
