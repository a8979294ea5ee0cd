// Package uuid generates identifiers for runs, documents, entries and chunks.
package uuid

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ChunkID derives the stable id of a chunk from its owning document, article
// sequence and chunk index. The same triple always yields the same id, which
// makes index upserts idempotent.
func ChunkID(documentID string, seq, chunkIndex int) string {
	name := documentID + "_seq_" + strconv.Itoa(seq) + "_chunk_" + strconv.Itoa(chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
