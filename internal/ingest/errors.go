package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEntryNotFound is returned by RecordCheck for an unknown entry.
	ErrEntryNotFound = errors.New("registry entry not found")
	// ErrRunInProgress rejects a second concurrent run of one category.
	ErrRunInProgress = errors.New("pipeline run already in progress")
	// ErrRunFinalized rejects a second terminal update of a run.
	ErrRunFinalized = errors.New("pipeline run already finalized")
	// ErrCategoryInactive rejects runs of deactivated categories.
	ErrCategoryInactive = errors.New("category is inactive")
	// ErrNoArticles is returned when content holds no recognisable articles.
	ErrNoArticles = errors.New("no articles found")
)

// StatusError reports a non-success HTTP status returned by a source.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Retryable reports whether the status is worth another attempt: server
// errors and 429 are, other client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}
