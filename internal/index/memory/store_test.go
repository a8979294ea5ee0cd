package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

func point(id, doc, category string, vector ...float32) ingest.IndexedChunk {
	return ingest.IndexedChunk{
		Chunk:    ingest.Chunk{ID: id, DocumentID: doc, Text: id},
		Category: category,
		Vector:   vector,
	}
}

func TestUpsertIsIdempotentByChunkID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, []ingest.IndexedChunk{point("a", "d1", "dat_dai", 1, 0)}))
	require.NoError(t, s.Upsert(ctx, []ingest.IndexedChunk{point("a", "d1", "dat_dai", 0, 1), point("b", "d1", "dat_dai", 1, 1)}))

	n, err := s.Count(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSearchRanksAndFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, []ingest.IndexedChunk{
		point("near", "d1", "dat_dai", 1, 0.1),
		point("far", "d1", "dat_dai", 0, 1),
		point("other", "d2", "lao_dong", 1, 0),
	}))

	hits, err := s.Search(ctx, []float32{1, 0}, 10, ingest.SearchFilters{Category: "dat_dai"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "near", hits[0].ChunkID)
	require.Equal(t, "far", hits[1].ChunkID)
	require.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = s.Search(ctx, []float32{1, 0}, 1, ingest.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "other", hits[0].ChunkID)
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Upsert(ctx, []ingest.IndexedChunk{point("a", "d1", "c", 1), point("b", "d2", "c", 1)}))
	require.NoError(t, s.DeleteDocument(ctx, "d1"))

	n, err := s.Count(ctx, "d1")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.Count(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCosineEdgeCases(t *testing.T) {
	t.Parallel()

	require.Zero(t, cosine(nil, nil))
	require.Zero(t, cosine([]float32{1}, []float32{1, 0}))
	require.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
	require.InDelta(t, 1.0, cosine([]float32{2, 0}, []float32{1, 0}), 1e-6)
}
