// Package detector decides when a plain HTTP fetch of a legal page must be
// re-done in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/legal-corpus-ingest/internal/ingest"
)

const defaultBodyLengthThreshold = 2048

// DefaultContentMarkers are byte sequences that only appear once the
// document text has been rendered.
var DefaultContentMarkers = []string{
	`class="content1"`,
	`class="toanvancontent"`,
	"Điều 1",
}

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	ContentMarkers      [][]byte
}

// NewHeuristic creates a new detector. An empty marker list uses
// DefaultContentMarkers.
func NewHeuristic(threshold int, contentMarkers ...string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	if len(contentMarkers) == 0 {
		contentMarkers = DefaultContentMarkers
	}
	markers := make([][]byte, 0, len(contentMarkers))
	for _, m := range contentMarkers {
		markers = append(markers, []byte(m))
	}
	return &Heuristic{BodyLengthThreshold: threshold, ContentMarkers: markers}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required. Pages that
// already carry rendered legal text are never promoted.
func (h *Heuristic) ShouldPromote(resp ingest.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if h.hasContent(body) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (h *Heuristic) hasContent(body []byte) bool {
	for _, marker := range h.ContentMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest is script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		var nextSearch int
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
