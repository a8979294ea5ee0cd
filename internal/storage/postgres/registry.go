package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const entryColumns = `id, category, url, document_number, title, role, priority, active,
	last_checked_at, last_content_hash, created_at, seq`

// ListActive returns active entries ordered by priority, then insertion.
func (s *Store) ListActive(ctx context.Context, category string) ([]ingest.RegistryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM registry_entries
WHERE category = $1 AND active
ORDER BY priority, seq`, category)
	if err != nil {
		return nil, fmt.Errorf("list registry entries for %s: %w", category, err)
	}
	defer rows.Close()

	var out []ingest.RegistryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry entries: %w", err)
	}
	return out, nil
}

// RecordCheck stamps the entry with hash and at.
func (s *Store) RecordCheck(ctx context.Context, entryID string, hash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE registry_entries SET last_content_hash = $1, last_checked_at = $2 WHERE id = $3`,
		hash, at, entryID)
	if err != nil {
		return fmt.Errorf("record check %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record check %s: %w", entryID, ingest.ErrEntryNotFound)
	}
	return nil
}

// UpsertDiscovered inserts a new entry, or reactivates the entry with the
// same URL and fills in any metadata that was provided. Role and priority
// of an existing entry change only for configured metadata.
func (s *Store) UpsertDiscovered(ctx context.Context, category string, url string, meta ingest.EntryMetadata) (ingest.RegistryEntry, error) {
	if url == "" {
		return ingest.RegistryEntry{}, fmt.Errorf("url is required")
	}
	id, err := s.newID()
	if err != nil {
		return ingest.RegistryEntry{}, err
	}
	role := meta.Role
	if role == "" {
		role = ingest.RoleRelated
	}
	query := `
INSERT INTO registry_entries (id, category, url, document_number, title, role, priority, active)
VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE)
ON CONFLICT (url) DO UPDATE SET
	active = TRUE,
	document_number = COALESCE(NULLIF(EXCLUDED.document_number, ''), registry_entries.document_number),
	title = COALESCE(NULLIF(EXCLUDED.title, ''), registry_entries.title),
	role = CASE WHEN $8 THEN EXCLUDED.role ELSE registry_entries.role END,
	priority = CASE WHEN $8 THEN EXCLUDED.priority ELSE registry_entries.priority END
RETURNING ` + entryColumns
	row := s.pool.QueryRow(ctx, query, id, category, url, meta.DocumentNumber, meta.Title, string(role), meta.Priority, meta.Configured)
	e, err := scanEntry(row)
	if err != nil {
		return ingest.RegistryEntry{}, fmt.Errorf("upsert registry entry %s: %w", url, err)
	}
	return e, nil
}

// Deactivate marks the entry with url inactive.
func (s *Store) Deactivate(ctx context.Context, url string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE registry_entries SET active = FALSE WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate %s: %w", url, ingest.ErrNotFound)
	}
	return nil
}

func scanEntry(row pgx.Row) (ingest.RegistryEntry, error) {
	var (
		e    ingest.RegistryEntry
		role string
	)
	err := row.Scan(
		&e.ID,
		&e.Category,
		&e.URL,
		&e.DocumentNumber,
		&e.Title,
		&role,
		&e.Priority,
		&e.Active,
		&e.LastCheckedAt,
		&e.LastContentHash,
		&e.CreatedAt,
		&e.Seq,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.RegistryEntry{}, ingest.ErrNotFound
		}
		return ingest.RegistryEntry{}, err
	}
	e.Role = ingest.EntryRole(role)
	return e, nil
}
