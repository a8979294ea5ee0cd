package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
	"github.com/JakeFAU/legal-corpus-ingest/internal/progress"
)

// RunNotification is the message published when a run finishes.
type RunNotification struct {
	RunID            string              `json:"run_id"`
	Category         string              `json:"category"`
	Trigger          ingest.TriggerKind  `json:"trigger"`
	Status           ingest.RunStatus    `json:"status"`
	Outcome          ingest.WorkerStatus `json:"outcome"`
	DocumentsFound   int                 `json:"documents_found"`
	DocumentsNew     int                 `json:"documents_new"`
	DocumentsUpdated int                 `json:"documents_updated"`
	DocumentsSkipped int                 `json:"documents_skipped"`
	EntriesFailed    int                 `json:"entries_failed"`
	ChunksIndexed    int                 `json:"chunks_indexed"`
	Warnings         []string            `json:"warnings,omitempty"`
	Error            string              `json:"error,omitempty"`
	FinishedAt       time.Time           `json:"finished_at"`
}

// PublisherSink publishes a RunNotification for every terminal run event.
type PublisherSink struct {
	publisher ingest.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink publishes to topic through publisher.
func NewPublisherSink(publisher ingest.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes notifications for the terminal events in batch. Every
// terminal event is attempted; the first failure is returned.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var firstErr error
	for _, evt := range batch {
		if !evt.Terminal() || evt.Run == nil {
			continue
		}
		msg := notificationFor(evt)
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("publish run %s: %w", evt.RunID, err)
			}
			continue
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", evt.RunID),
			zap.String("message_id", id),
		)
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func notificationFor(evt progress.Event) RunNotification {
	run := evt.Run
	finished := evt.TS
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	return RunNotification{
		RunID:            run.ID,
		Category:         run.Category,
		Trigger:          run.Trigger,
		Status:           run.Status,
		Outcome:          run.Outcome(),
		DocumentsFound:   run.DocumentsFound,
		DocumentsNew:     run.DocumentsNew,
		DocumentsUpdated: run.DocumentsUpdated,
		DocumentsSkipped: run.DocumentsSkipped,
		EntriesFailed:    run.EntriesFailed,
		ChunksIndexed:    run.ChunksIndexed,
		Warnings:         run.Warnings,
		Error:            run.Error,
		FinishedAt:       finished,
	}
}
