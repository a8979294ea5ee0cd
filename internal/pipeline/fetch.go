package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/id/uuid"
	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

// fetchEntries walks the active entries of the category in priority order.
// Entry failures are recorded and the walk continues; only a registry
// failure is fatal.
func (o *Orchestrator) fetchEntries(ctx context.Context, st *runState) phaseResult {
	entries, err := o.registry.ListActive(ctx, st.category.Name)
	if err != nil {
		return fatal(fmt.Errorf("list entries: %w", err))
	}
	st.run.EntriesTotal = len(entries)

	for _, entry := range entries {
		if st.stopped(ctx) {
			o.logger.Info("fetch stopped between entries",
				zap.String("category", st.category.Name),
				zap.String("run_id", st.run.ID),
			)
			break
		}
		if err := o.processEntry(ctx, st, entry); err != nil {
			return fatal(err)
		}
	}
	return okOrPartial(st.run.EntriesFailed > 0)
}

// processEntry fetches one entry and, when its content changed or the run
// is forced, stores the raw content and the parsed document. The returned
// error is fatal for the run.
func (o *Orchestrator) processEntry(ctx context.Context, st *runState, entry ingest.RegistryEntry) error {
	if err := st.pacer.Wait(ctx, entry.URL); err != nil {
		st.interrupted = true
		return nil
	}
	started := o.clock.Now()
	resp, err := o.fetcher.Fetch(ctx, ingest.FetchRequest{URL: entry.URL})
	if err != nil {
		if ctx.Err() != nil {
			st.interrupted = true
			return nil
		}
		return o.failEntry(ctx, st, entry, fmt.Errorf("fetch: %w", err))
	}
	hash, err := o.detector.Fingerprint(resp.Body)
	if err != nil {
		return o.failEntry(ctx, st, entry, fmt.Errorf("fingerprint: %w", err))
	}

	if !st.req.Force && !entry.ChangedFrom(hash) {
		st.run.DocumentsSkipped++
		if err := o.recordCheck(ctx, st, entry, hash); err != nil {
			return err
		}
		o.logger.Debug("entry unchanged",
			zap.String("category", st.category.Name),
			zap.String("run_id", st.run.ID),
			zap.String("url", entry.URL),
		)
		o.emit(st, progress.Event{
			Stage:   progress.StageEntrySkipped,
			URL:     entry.URL,
			EntryID: entry.ID,
			Bytes:   int64(len(resp.Body)),
			Dur:     o.since(started),
		})
		return nil
	}

	rawURI, err := o.blobs.PutObject(ctx, o.rawPath(st.category.Name, entry.ID, hash), rawContentType, resp.Body)
	if err != nil {
		return o.failEntry(ctx, st, entry, fmt.Errorf("store raw content: %w", err))
	}
	parsed, err := o.parser.Parse(resp.Body, entry.URL)
	if err != nil {
		return o.failEntry(ctx, st, entry, fmt.Errorf("parse: %w", err))
	}
	previous, err := o.documents.CurrentDocument(ctx, entry.ID)
	hasPrevious := err == nil
	if err != nil && !errors.Is(err, ingest.ErrNotFound) {
		return o.failEntry(ctx, st, entry, fmt.Errorf("load current document: %w", err))
	}

	doc, chunks, err := o.buildDocument(st, entry, parsed, hash, rawURI)
	if err != nil {
		return o.failEntry(ctx, st, entry, err)
	}
	if hasPrevious {
		doc.ReplacesID = previous.ID
	}
	if err := o.documents.SaveDocument(ctx, doc, chunks); err != nil {
		return o.failEntry(ctx, st, entry, fmt.Errorf("save document: %w", err))
	}

	st.run.DocumentsFound++
	if hasPrevious {
		st.run.DocumentsUpdated++
	} else {
		st.run.DocumentsNew++
	}
	st.run.ChunksExpected += len(chunks)
	st.saved = append(st.saved, savedDocument{id: doc.ID, chunks: len(chunks)})

	if err := o.recordCheck(ctx, st, entry, hash); err != nil {
		return err
	}
	o.logger.Info("entry fetched",
		zap.String("category", st.category.Name),
		zap.String("run_id", st.run.ID),
		zap.String("url", entry.URL),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Bool("headless", resp.UsedHeadless),
	)
	o.emit(st, progress.Event{
		Stage:      progress.StageEntryFetched,
		URL:        entry.URL,
		EntryID:    entry.ID,
		DocumentID: doc.ID,
		Bytes:      int64(len(resp.Body)),
		Chunks:     len(chunks),
		Dur:        o.since(started),
	})
	return nil
}

// buildDocument assigns ids to a parsed document and its chunks.
func (o *Orchestrator) buildDocument(
	st *runState,
	entry ingest.RegistryEntry,
	parsed ingest.ParsedDocument,
	hash string,
	rawURI string,
) (ingest.Document, []ingest.Chunk, error) {
	docID, err := o.ids.NewID()
	if err != nil {
		return ingest.Document{}, nil, fmt.Errorf("document id: %w", err)
	}
	doc := parsed.Document
	doc.ID = docID
	doc.EntryID = entry.ID
	doc.Category = st.category.Name
	doc.Status = ingest.DocumentActive
	doc.ContentHash = hash
	doc.RawURI = rawURI
	doc.SourceURL = entry.URL
	doc.FetchedAt = o.clock.Now()
	if doc.Title == "" {
		doc.Title = entry.Title
	}
	if doc.Number == "" {
		doc.Number = entry.DocumentNumber
	}

	chunks := make([]ingest.Chunk, len(parsed.Chunks))
	for i, chunk := range parsed.Chunks {
		chunk.ID = uuid.ChunkID(docID, chunk.Seq, chunk.ChunkIndex)
		chunk.DocumentID = docID
		chunk.Indexed = false
		chunks[i] = chunk
	}
	return doc, chunks, nil
}

// failEntry records an entry failure. The previous fingerprint is kept so
// the entry is fetched again by the next run.
func (o *Orchestrator) failEntry(ctx context.Context, st *runState, entry ingest.RegistryEntry, cause error) error {
	st.run.DocumentsFound++
	st.run.EntriesFailed++
	st.run.FailedEntries = append(st.run.FailedEntries, ingest.FailedEntry{URL: entry.URL, Reason: cause.Error()})
	o.logger.Warn("entry failed",
		zap.String("category", st.category.Name),
		zap.String("run_id", st.run.ID),
		zap.String("url", entry.URL),
		zap.String("entry_id", entry.ID),
		zap.Error(cause),
	)
	o.emit(st, progress.Event{
		Stage:   progress.StageEntryFailed,
		URL:     entry.URL,
		EntryID: entry.ID,
		Note:    cause.Error(),
	})
	return o.recordCheck(ctx, st, entry, entry.LastContentHash)
}

// recordCheck stamps the entry. An unknown entry is fatal; other registry
// errors become warnings.
func (o *Orchestrator) recordCheck(ctx context.Context, st *runState, entry ingest.RegistryEntry, hash string) error {
	err := o.registry.RecordCheck(ctx, entry.ID, hash, o.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ingest.ErrEntryNotFound):
		return fmt.Errorf("record check %s: %w", entry.URL, err)
	default:
		o.logger.Warn("record check failed",
			zap.String("category", st.category.Name),
			zap.String("url", entry.URL),
			zap.Error(err),
		)
		st.warn(fmt.Sprintf("record check %s: %v", entry.URL, err))
		return nil
	}
}

func (o *Orchestrator) rawPath(category, entryID, hash string) string {
	return path.Join(strings.Trim(o.cfg.RawPrefix, "/"), category, entryID, hash+".html")
}

func (o *Orchestrator) since(t time.Time) time.Duration {
	if d := o.clock.Now().Sub(t); d > 0 {
		return d
	}
	return 0
}
