package types

import (
	"errors"
	"fmt"
)

// Error kinds shared by the indexing and retrieval pipeline. Callers match them
// with errors.Is; implementations wrap them with context.
var (
	// ErrModelUnavailable means the embedding endpoint could not be reached or
	// failed server-side. Retryable.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrEmptyInput means blank text was given to the embedder.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidQuery means a search was requested with blank query text.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrIndexNotReady means the index was used before it was initialised,
	// after it was closed, or while its initialisation keeps failing.
	ErrIndexNotReady = errors.New("index not ready")

	// ErrDimensionMismatch means embedder and index disagree on the vector
	// dimension. It is a configuration error and is never retried.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrPartialUpsert means some chunks of a note could not be indexed.
	ErrPartialUpsert = errors.New("partial upsert failure")

	// ErrNoteNotFound means a note id does not exist in the note store.
	ErrNoteNotFound = errors.New("note not found")
)

// ChunkFailure records why a single chunk was left out of the index.
type ChunkFailure struct {
	Ordinal int
	Err     error
}

// PartialUpsertError reports a note that was indexed with some chunks missing.
type PartialUpsertError struct {
	NoteID   string
	Total    int
	Failures []ChunkFailure
}

func (e *PartialUpsertError) Error() string {
	first := ""
	if len(e.Failures) > 0 {
		first = fmt.Sprintf(": chunk %d: %v", e.Failures[0].Ordinal, e.Failures[0].Err)
	}
	return fmt.Sprintf("note %s: %d of %d chunks not indexed%s", e.NoteID, len(e.Failures), e.Total, first)
}

func (e *PartialUpsertError) Is(target error) bool {
	return target == ErrPartialUpsert
}

// DimensionError builds an ErrDimensionMismatch with both sizes.
func DimensionError(what string, got, want int) error {
	return fmt.Errorf("%w: %s has %d dimensions, index expects %d", ErrDimensionMismatch, what, got, want)
}
