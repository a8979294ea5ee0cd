package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

// LogSink writes one structured line per event. Failures log at warn,
// everything else at debug except run boundaries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("run_id", evt.RunID),
			zap.String("category", evt.Category),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.EntryID != "" {
			fields = append(fields, zap.String("entry_id", evt.EntryID))
		}
		if evt.DocumentID != "" {
			fields = append(fields, zap.String("document_id", evt.DocumentID))
		}
		if evt.Chunks > 0 {
			fields = append(fields, zap.Int("chunks", evt.Chunks))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Run != nil {
			fields = append(fields,
				zap.String("status", string(evt.Run.Status)),
				zap.Int("documents_found", evt.Run.DocumentsFound),
				zap.Int("documents_new", evt.Run.DocumentsNew),
				zap.Int("documents_skipped", evt.Run.DocumentsSkipped),
				zap.Int("entries_failed", evt.Run.EntriesFailed),
				zap.Int("chunks_indexed", evt.Run.ChunksIndexed),
			)
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageEntryFailed, progress.StageBatchFailed, progress.StageRunError:
		return zapcore.WarnLevel
	case progress.StageRunStart, progress.StageRunDone:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
