// Package memory provides an in-process ingest.IndexStore using brute-force
// cosine similarity. It backs local runs and tests.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// Store keeps indexed chunks in a map keyed by chunk id.
type Store struct {
	mu     sync.RWMutex
	points map[string]ingest.IndexedChunk
}

// New creates an empty Store.
func New() *Store {
	return &Store{points: make(map[string]ingest.IndexedChunk)}
}

// Upsert inserts or replaces chunks by id.
func (s *Store) Upsert(_ context.Context, chunks []ingest.IndexedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		c.Vector = append([]float32(nil), c.Vector...)
		s.points[c.Chunk.ID] = c
	}
	return nil
}

// Count returns the number of points of a document.
func (s *Store) Count(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.points {
		if p.Chunk.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// DeleteDocument removes all points of a document.
func (s *Store) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Chunk.DocumentID == documentID {
			delete(s.points, id)
		}
	}
	return nil
}

// Search ranks points by cosine similarity, highest first.
func (s *Store) Search(_ context.Context, vector []float32, topK int, filters ingest.SearchFilters) ([]ingest.ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	s.mu.RLock()
	results := make([]ingest.ScoredChunk, 0, len(s.points))
	for _, p := range s.points {
		if filters.Category != "" && p.Category != filters.Category {
			continue
		}
		if filters.DocumentID != "" && p.Chunk.DocumentID != filters.DocumentID {
			continue
		}
		results = append(results, ingest.ScoredChunk{
			ChunkID:       p.Chunk.ID,
			DocumentID:    p.Chunk.DocumentID,
			Category:      p.Category,
			ArticleNumber: p.Chunk.ArticleNumber,
			ArticleTitle:  p.Chunk.ArticleTitle,
			Text:          p.Chunk.Text,
			Score:         cosine(vector, p.Vector),
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
