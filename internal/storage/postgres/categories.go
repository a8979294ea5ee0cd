package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const categoryColumns = `name, display_name, listing_url, link_pattern,
	schedule_kind, schedule_at, schedule_weekday, schedule_day, schedule_cron,
	rate_limit_ms, active, document_count, chunk_count,
	last_run_at, last_worker_status, last_worker_run_at`

// UpsertCategory inserts a category or updates its configuration. Counters
// and worker bookkeeping are left untouched on update.
func (s *Store) UpsertCategory(ctx context.Context, c ingest.Category) error {
	if c.Name == "" {
		return fmt.Errorf("category name is required")
	}
	query := `
INSERT INTO categories (
	name, display_name, listing_url, link_pattern,
	schedule_kind, schedule_at, schedule_weekday, schedule_day, schedule_cron,
	rate_limit_ms, active
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (name) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	listing_url = EXCLUDED.listing_url,
	link_pattern = EXCLUDED.link_pattern,
	schedule_kind = EXCLUDED.schedule_kind,
	schedule_at = EXCLUDED.schedule_at,
	schedule_weekday = EXCLUDED.schedule_weekday,
	schedule_day = EXCLUDED.schedule_day,
	schedule_cron = EXCLUDED.schedule_cron,
	rate_limit_ms = EXCLUDED.rate_limit_ms,
	active = EXCLUDED.active`
	args := []any{
		c.Name,
		c.DisplayName,
		c.ListingURL,
		c.LinkPattern,
		string(c.Schedule.Kind),
		c.Schedule.At,
		c.Schedule.Weekday,
		c.Schedule.DayOfMonth,
		c.Schedule.Cron,
		c.RateLimit.Milliseconds(),
		c.Active,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert category %s: %w", c.Name, err)
	}
	return nil
}

// GetCategory returns a category by name.
func (s *Store) GetCategory(ctx context.Context, name string) (ingest.Category, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE name = $1`, name)
	c, err := scanCategory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Category{}, fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.Category{}, fmt.Errorf("get category %s: %w", name, err)
	}
	return c, nil
}

// ListActiveCategories returns active categories ordered by name.
func (s *Store) ListActiveCategories(ctx context.Context) ([]ingest.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+categoryColumns+` FROM categories WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []ingest.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

// RecordRun stamps the category's last run time.
func (s *Store) RecordRun(ctx context.Context, name string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE categories SET last_run_at = $1 WHERE name = $2`, at, name)
	if err != nil {
		return fmt.Errorf("record run for %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	return nil
}

// RecordWorkerOutcome stores the latest worker outcome.
func (s *Store) RecordWorkerOutcome(ctx context.Context, name string, status ingest.WorkerStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE categories SET last_worker_status = $1, last_worker_run_at = $2 WHERE name = $3`,
		string(status), at, name)
	if err != nil {
		return fmt.Errorf("record worker outcome for %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	return nil
}

// RefreshCounts recomputes the cached counts from active documents.
func (s *Store) RefreshCounts(ctx context.Context, name string) error {
	query := `
UPDATE categories c SET
	document_count = (
		SELECT COUNT(*) FROM documents d
		WHERE d.category = c.name AND d.status = 'active'
	),
	chunk_count = (
		SELECT COUNT(*) FROM chunks k
		JOIN documents d ON d.id = k.document_id
		WHERE d.category = c.name AND d.status = 'active'
	)
WHERE c.name = $1`
	tag, err := s.pool.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("refresh counts for %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %s: %w", name, ingest.ErrNotFound)
	}
	return nil
}

func scanCategory(row pgx.Row) (ingest.Category, error) {
	var (
		c            ingest.Category
		kind, status string
		rateLimitMS  int64
	)
	err := row.Scan(
		&c.Name,
		&c.DisplayName,
		&c.ListingURL,
		&c.LinkPattern,
		&kind,
		&c.Schedule.At,
		&c.Schedule.Weekday,
		&c.Schedule.DayOfMonth,
		&c.Schedule.Cron,
		&rateLimitMS,
		&c.Active,
		&c.DocumentCount,
		&c.ChunkCount,
		&c.LastRunAt,
		&status,
		&c.LastWorkerRunAt,
	)
	if err != nil {
		return ingest.Category{}, err
	}
	c.Schedule.Kind = ingest.ScheduleKind(kind)
	c.RateLimit = time.Duration(rateLimitMS) * time.Millisecond
	c.LastWorkerStatus = ingest.WorkerStatus(status)
	return c, nil
}
