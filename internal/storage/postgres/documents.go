package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

var chunkColumns = []string{
	"id", "document_id", "seq", "chunk_index", "article_number",
	"article_title", "chapter", "text", "hash", "indexed",
}

// CurrentDocument returns the active document of an entry.
func (s *Store) CurrentDocument(ctx context.Context, entryID string) (ingest.Document, error) {
	query := `
SELECT id, entry_id, category, doc_type, number, title, issuing_authority,
	issued_date, effective_date, expiry_date, status, content_hash, raw_uri,
	source_url, replaces_id, article_count, fetched_at
FROM documents
WHERE entry_id = $1 AND status = 'active'
ORDER BY fetched_at DESC
LIMIT 1`
	var (
		d      ingest.Document
		status string
	)
	err := s.pool.QueryRow(ctx, query, entryID).Scan(
		&d.ID,
		&d.EntryID,
		&d.Category,
		&d.Type,
		&d.Number,
		&d.Title,
		&d.IssuingAuthority,
		&d.IssuedDate,
		&d.EffectiveDate,
		&d.ExpiryDate,
		&status,
		&d.ContentHash,
		&d.RawURI,
		&d.SourceURL,
		&d.ReplacesID,
		&d.ArticleCount,
		&d.FetchedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Document{}, fmt.Errorf("current document of %s: %w", entryID, ingest.ErrNotFound)
		}
		return ingest.Document{}, fmt.Errorf("current document of %s: %w", entryID, err)
	}
	d.Status = ingest.DocumentStatus(status)
	return d, nil
}

// SaveDocument inserts doc and its chunks, then supersedes the previous
// current document of the entry, all in one transaction.
func (s *Store) SaveDocument(ctx context.Context, doc ingest.Document, chunks []ingest.Chunk) (err error) {
	if doc.ID == "" || doc.EntryID == "" {
		return fmt.Errorf("document id and entry id are required")
	}
	rows := make([][]any, 0, len(chunks))
	seen := make(map[[2]int]bool, len(chunks))
	for _, c := range chunks {
		key := [2]int{c.Seq, c.ChunkIndex}
		if seen[key] {
			return fmt.Errorf("duplicate chunk seq=%d index=%d", c.Seq, c.ChunkIndex)
		}
		seen[key] = true
		rows = append(rows, []any{
			c.ID, doc.ID, c.Seq, c.ChunkIndex, c.ArticleNumber,
			c.ArticleTitle, c.Chapter, c.Text, c.Hash, c.Indexed,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save document: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	insert := `
INSERT INTO documents (
	id, entry_id, category, doc_type, number, title, issuing_authority,
	issued_date, effective_date, expiry_date, status, content_hash, raw_uri,
	source_url, replaces_id, article_count, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	if _, err = tx.Exec(ctx, insert,
		doc.ID,
		doc.EntryID,
		doc.Category,
		doc.Type,
		doc.Number,
		doc.Title,
		doc.IssuingAuthority,
		doc.IssuedDate,
		doc.EffectiveDate,
		doc.ExpiryDate,
		string(doc.Status),
		doc.ContentHash,
		doc.RawURI,
		doc.SourceURL,
		doc.ReplacesID,
		doc.ArticleCount,
		doc.FetchedAt,
	); err != nil {
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	if len(rows) > 0 {
		if _, err = tx.CopyFrom(ctx, pgx.Identifier{"chunks"}, chunkColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert chunks of %s: %w", doc.ID, err)
		}
	}

	if _, err = tx.Exec(ctx,
		`UPDATE documents SET status = 'superseded' WHERE entry_id = $1 AND id <> $2 AND status = 'active'`,
		doc.EntryID, doc.ID,
	); err != nil {
		return fmt.Errorf("supersede previous documents of %s: %w", doc.EntryID, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save document: %w", err)
	}
	return nil
}

// MarkIndexed flags chunks as present in the index store.
func (s *Store) MarkIndexed(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE chunks SET indexed = TRUE WHERE id = ANY($1)`, chunkIDs); err != nil {
		return fmt.Errorf("mark chunks indexed: %w", err)
	}
	return nil
}

// PendingChunks returns unindexed chunks of active documents in category.
func (s *Store) PendingChunks(ctx context.Context, category string) ([]ingest.IndexedChunk, error) {
	query := `
SELECT k.id, k.document_id, k.seq, k.chunk_index, k.article_number,
	k.article_title, k.chapter, k.text, k.hash, d.title, d.number
FROM chunks k
JOIN documents d ON d.id = k.document_id
WHERE d.category = $1 AND d.status = 'active' AND NOT k.indexed
ORDER BY k.document_id, k.seq, k.chunk_index`
	rows, err := s.pool.Query(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("list pending chunks for %s: %w", category, err)
	}
	defer rows.Close()

	var out []ingest.IndexedChunk
	for rows.Next() {
		ic := ingest.IndexedChunk{Category: category}
		c := &ic.Chunk
		if err := rows.Scan(
			&c.ID,
			&c.DocumentID,
			&c.Seq,
			&c.ChunkIndex,
			&c.ArticleNumber,
			&c.ArticleTitle,
			&c.Chapter,
			&c.Text,
			&c.Hash,
			&ic.Title,
			&ic.Number,
		); err != nil {
			return nil, fmt.Errorf("scan pending chunk: %w", err)
		}
		out = append(out, ic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending chunks: %w", err)
	}
	return out, nil
}

// PendingPurges returns superseded documents of category whose vectors have
// not been deleted yet, once the entry's active document has no unindexed
// chunks left.
func (s *Store) PendingPurges(ctx context.Context, category string) ([]string, error) {
	query := `
SELECT d.id
FROM documents d
WHERE d.category = $1 AND d.status = 'superseded' AND NOT d.vectors_purged
	AND NOT EXISTS (
		SELECT 1
		FROM documents cur
		JOIN chunks k ON k.document_id = cur.id
		WHERE cur.entry_id = d.entry_id AND cur.status = 'active' AND NOT k.indexed
	)
ORDER BY d.fetched_at, d.id`
	rows, err := s.pool.Query(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("list pending purges for %s: %w", category, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan pending purges: %w", err)
	}
	return ids, nil
}

// MarkPurged flags documents whose vectors were removed from the index store.
func (s *Store) MarkPurged(ctx context.Context, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE documents SET vectors_purged = TRUE WHERE id = ANY($1)`, documentIDs); err != nil {
		return fmt.Errorf("mark documents purged: %w", err)
	}
	return nil
}
