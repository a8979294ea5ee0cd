package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageEntryFetched Stage = "ENTRY_FETCHED"
	StageEntrySkipped Stage = "ENTRY_SKIPPED"
	StageEntryFailed  Stage = "ENTRY_FAILED"
	StageBatchIndexed Stage = "BATCH_INDEXED"
	StageBatchFailed  Stage = "BATCH_FAILED"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
)

// Event captures one step of a pipeline run.
type Event struct {
	RunID    string
	Category string
	TS       time.Time
	Stage    Stage
	// URL and EntryID scope entry events.
	URL     string
	EntryID string
	// DocumentID is set once an entry produced a new document.
	DocumentID string
	Bytes      int64
	Chunks     int
	Dur        time.Duration
	// Note carries low-volume context such as error text.
	Note string
	// Run is the final record, present on RUN_DONE and RUN_ERROR.
	Run *ingest.PipelineRun
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.Category == "" {
		return errors.New("category is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageBatchIndexed, StageBatchFailed:
	case StageEntryFetched, StageEntrySkipped, StageEntryFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageRunDone, StageRunError:
		if e.Run == nil {
			return fmt.Errorf("%s requires the run record", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError
}
