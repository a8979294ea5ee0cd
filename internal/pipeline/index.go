package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

type batchResult struct {
	attempted bool
	indexed   int
	err       error
	// markErr is set when the chunks reached the index but could not be
	// flagged as indexed in the document store.
	markErr error
}

// indexChunks embeds and upserts every pending chunk of the category. This
// covers the documents saved by the current run and any chunks a previous
// run left behind. Batch failures are counted, never fatal.
func (o *Orchestrator) indexChunks(ctx context.Context, st *runState) phaseResult {
	pending, err := o.documents.PendingChunks(ctx, st.category.Name)
	if err != nil {
		return fatal(fmt.Errorf("load pending chunks: %w", err))
	}
	logger := o.logger.With(zap.String("category", st.category.Name), zap.String("run_id", st.run.ID))

	batches := splitBatches(pending, o.cfg.IndexBatchSize)
	results := make([]batchResult, len(batches))

	var g errgroup.Group
	g.SetLimit(o.cfg.IndexConcurrency)
	for i, batch := range batches {
		if st.stopped(ctx) {
			break
		}
		g.Go(func() error {
			res := o.indexBatch(ctx, batch, logger.With(zap.Int("batch", i)))
			res.attempted = true
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	degraded := false
	for i, res := range results {
		if !res.attempted {
			continue
		}
		if res.err != nil {
			st.run.BatchesFailed++
			degraded = true
			logger.Warn("index batch failed", zap.Int("batch", i), zap.Int("chunks", len(batches[i])), zap.Error(res.err))
			o.emit(st, progress.Event{Stage: progress.StageBatchFailed, Chunks: len(batches[i]), Note: res.err.Error()})
			continue
		}
		st.run.ChunksIndexed += res.indexed
		if res.markErr != nil {
			degraded = true
			st.warn(fmt.Sprintf("mark batch %d indexed: %v", i, res.markErr))
		}
		o.emit(st, progress.Event{Stage: progress.StageBatchIndexed, Chunks: res.indexed})
	}

	if !st.interrupted && o.purgeSuperseded(ctx, st, logger) {
		degraded = true
	}
	if len(pending) > 0 {
		logger.Info("index phase finished",
			zap.Int("pending", len(pending)),
			zap.Int("indexed", st.run.ChunksIndexed),
			zap.Int("batches_failed", st.run.BatchesFailed),
		)
	}
	return okOrPartial(degraded)
}

// purgeSuperseded deletes the vectors of superseded documents once their
// replacement is fully indexed. The obligation is stored with the document,
// so a purge skipped by a failed batch or a halted run is finished by a
// later run. It reports whether anything went wrong.
func (o *Orchestrator) purgeSuperseded(ctx context.Context, st *runState, logger *zap.Logger) bool {
	ids, err := o.documents.PendingPurges(ctx, st.category.Name)
	if err != nil {
		logger.Warn("list superseded documents failed", zap.Error(err))
		st.warn(fmt.Sprintf("list superseded documents: %v", err))
		return true
	}
	failed := false
	purged := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := o.index.DeleteDocument(ctx, id); err != nil {
			failed = true
			logger.Warn("delete superseded vectors failed", zap.String("document_id", id), zap.Error(err))
			st.warn(fmt.Sprintf("delete superseded document %s: %v", id, err))
			continue
		}
		purged = append(purged, id)
	}
	if err := o.documents.MarkPurged(context.WithoutCancel(ctx), purged); err != nil {
		failed = true
		st.warn(fmt.Sprintf("mark superseded documents purged: %v", err))
	}
	if len(purged) > 0 {
		logger.Info("superseded vectors deleted", zap.Int("documents", len(purged)))
	}
	return failed
}

// indexBatch embeds and upserts one batch, retrying with a linear backoff.
func (o *Orchestrator) indexBatch(ctx context.Context, batch []ingest.IndexedChunk, logger *zap.Logger) batchResult {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.IndexBatchAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * o.cfg.IndexBatchBackoff
			if err := o.sleeper.Sleep(ctx, delay); err != nil {
				return batchResult{err: fmt.Errorf("index batch interrupted: %w (last error: %v)", err, lastErr)}
			}
		}
		lastErr = o.embedAndUpsert(ctx, batch)
		if lastErr == nil {
			ids := make([]string, len(batch))
			for i, c := range batch {
				ids[i] = c.Chunk.ID
			}
			res := batchResult{indexed: len(batch)}
			if err := o.documents.MarkIndexed(ctx, ids); err != nil {
				res.markErr = err
			}
			return res
		}
		logger.Warn("index batch attempt failed", zap.Int("attempt", attempt), zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}
	return batchResult{err: fmt.Errorf("index batch after %d attempts: %w", o.cfg.IndexBatchAttempts, lastErr)}
}

func (o *Orchestrator) embedAndUpsert(ctx context.Context, batch []ingest.IndexedChunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Chunk.Text
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed: got %d vectors for %d chunks", len(vectors), len(batch))
	}
	points := make([]ingest.IndexedChunk, len(batch))
	for i, c := range batch {
		c.Vector = vectors[i]
		c.Chunk.Indexed = true
		points[i] = c
	}
	if err := o.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

func splitBatches(chunks []ingest.IndexedChunk, size int) [][]ingest.IndexedChunk {
	var batches [][]ingest.IndexedChunk
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		batches = append(batches, chunks[start:end])
	}
	return batches
}
