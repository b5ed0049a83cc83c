// Package index stores chunk vectors and answers nearest-neighbour queries.
//
// Backends implement the raw operations against a vector store. Handle wraps
// a backend with lazy, shared initialisation and is what the rest of the
// service talks to through the Client interface.
package index

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"notesrag/types"
)

type Metric string

const MetricCosine Metric = "cosine"

const DefaultBatchSize = 100

// ErrEmptyFilter is returned by DeleteByFilter when no field is set.
var ErrEmptyFilter = errors.New("index: refusing to delete with an empty filter")

// Spec describes an index. It is fixed once the index exists.
type Spec struct {
	Name      string
	Dimension int
	Metric    Metric
}

// Filter matches entries whose metadata equals every non-empty field.
type Filter struct {
	NoteID string
	UserID string
}

func (f Filter) Empty() bool {
	return f.NoteID == "" && f.UserID == ""
}

func (f Filter) matches(md types.EntryMetadata) bool {
	if f.NoteID != "" && md.NoteID != f.NoteID {
		return false
	}
	if f.UserID != "" && md.UserID != f.UserID {
		return false
	}
	return true
}

// Match is a single query hit. Score is the cosine similarity in [-1, 1].
type Match struct {
	EntryID  uuid.UUID
	Score    float64
	Metadata types.EntryMetadata
}

// Client is the set of data operations used by the pipeline and the search
// engine.
type Client interface {
	// Upsert inserts entries or replaces those with the same id. Large inputs
	// are applied in batches without atomicity across batches.
	Upsert(ctx context.Context, entries []types.IndexEntry) error
	// Query returns at most topK matches ordered by descending score.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	// DeleteByFilter removes all matching entries and reports how many.
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
	Count(ctx context.Context, filter Filter) (int, error)
	// NoteIDs lists the distinct note ids that have entries.
	NoteIDs(ctx context.Context) ([]string, error)
}

// Backend is a concrete vector store.
type Backend interface {
	Client
	// EnsureIndex creates the index described by spec unless it exists. An
	// existing index with another dimension yields ErrDimensionMismatch.
	EnsureIndex(ctx context.Context, spec Spec) error
	Close()
}
