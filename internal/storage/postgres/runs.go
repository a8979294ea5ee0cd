package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// StartRun inserts a running run row.
func (s *Store) StartRun(ctx context.Context, run ingest.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	query := `
INSERT INTO pipeline_runs (id, category, trigger, status, entries_total, started_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.Category, string(run.Trigger), string(ingest.RunRunning), run.EntriesTotal, run.StartedAt,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun applies the terminal update of a running run. Only a row that
// is still running is updated.
func (s *Store) FinishRun(ctx context.Context, run ingest.PipelineRun) error {
	if run.Status == ingest.RunRunning || run.Status == "" {
		return fmt.Errorf("run %s: terminal status required", run.ID)
	}
	failed, err := json.Marshal(nonNilFailed(run.FailedEntries))
	if err != nil {
		return fmt.Errorf("marshal failed entries: %w", err)
	}
	warnings, err := json.Marshal(nonNilStrings(run.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	query := `
UPDATE pipeline_runs SET
	status = $1,
	entries_total = $2,
	documents_found = $3,
	documents_new = $4,
	documents_updated = $5,
	documents_skipped = $6,
	entries_failed = $7,
	chunks_expected = $8,
	chunks_indexed = $9,
	batches_failed = $10,
	failed_entries = $11,
	warnings = $12,
	error_message = $13,
	finished_at = $14,
	duration_ms = $15
WHERE id = $16 AND status = 'running'`
	tag, err := s.pool.Exec(ctx, query,
		string(run.Status),
		run.EntriesTotal,
		run.DocumentsFound,
		run.DocumentsNew,
		run.DocumentsUpdated,
		run.DocumentsSkipped,
		run.EntriesFailed,
		run.ChunksExpected,
		run.ChunksIndexed,
		run.BatchesFailed,
		failed,
		warnings,
		run.Error,
		run.FinishedAt,
		run.Duration.Milliseconds(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM pipeline_runs WHERE id = $1`, run.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", run.ID, ingest.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", run.ID, err)
	}
	return fmt.Errorf("run %s: %w", run.ID, ingest.ErrRunFinalized)
}

// ListRuns returns the newest runs of a category first. An empty category
// lists every category; a non-positive limit returns all rows.
func (s *Store) ListRuns(ctx context.Context, category string, limit int) ([]ingest.PipelineRun, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	query := `
SELECT id, category, trigger, status, entries_total, documents_found,
	documents_new, documents_updated, documents_skipped, entries_failed,
	chunks_expected, chunks_indexed, batches_failed, failed_entries, warnings,
	error_message, started_at, finished_at, duration_ms
FROM pipeline_runs
WHERE ($1 = '' OR category = $1)
ORDER BY started_at DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, category, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []ingest.PipelineRun
	for rows.Next() {
		var (
			run                     ingest.PipelineRun
			trigger, status         string
			failedJSON, warningJSON []byte
			durationMS              int64
		)
		if err := rows.Scan(
			&run.ID,
			&run.Category,
			&trigger,
			&status,
			&run.EntriesTotal,
			&run.DocumentsFound,
			&run.DocumentsNew,
			&run.DocumentsUpdated,
			&run.DocumentsSkipped,
			&run.EntriesFailed,
			&run.ChunksExpected,
			&run.ChunksIndexed,
			&run.BatchesFailed,
			&failedJSON,
			&warningJSON,
			&run.Error,
			&run.StartedAt,
			&run.FinishedAt,
			&durationMS,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if len(failedJSON) > 0 {
			if err := json.Unmarshal(failedJSON, &run.FailedEntries); err != nil {
				return nil, fmt.Errorf("decode failed entries of %s: %w", run.ID, err)
			}
		}
		if len(warningJSON) > 0 {
			if err := json.Unmarshal(warningJSON, &run.Warnings); err != nil {
				return nil, fmt.Errorf("decode warnings of %s: %w", run.ID, err)
			}
		}
		run.Trigger = ingest.TriggerKind(trigger)
		run.Status = ingest.RunStatus(status)
		run.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func nonNilFailed(in []ingest.FailedEntry) []ingest.FailedEntry {
	if in == nil {
		return []ingest.FailedEntry{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
