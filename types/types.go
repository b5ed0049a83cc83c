package types

import (
	"time"

	"github.com/google/uuid"
)

// Note is the part of a stored note the indexing subsystem reads.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is a contiguous slice of a note's text. Ordinal is its position in the
// note and is only used for traceability.
type Chunk struct {
	NoteID  string
	Ordinal int
	Text    string
}

// EntryMetadata is stored next to every vector in the index.
type EntryMetadata struct {
	NoteID       string `json:"note_id"`
	UserID       string `json:"user_id"`
	Title        string `json:"title"`
	ChunkOrdinal int    `json:"chunk_ordinal"`
}

// IndexEntry is one chunk as stored in the vector index.
type IndexEntry struct {
	ID       uuid.UUID
	Vector   []float32
	Metadata EntryMetadata
}

// NewIndexEntry builds an entry with a fresh id for the given chunk.
func NewIndexEntry(note Note, chunk Chunk, vector []float32) IndexEntry {
	return IndexEntry{
		ID:     uuid.New(),
		Vector: vector,
		Metadata: EntryMetadata{
			NoteID:       note.ID,
			UserID:       note.UserID,
			Title:        note.Title,
			ChunkOrdinal: chunk.Ordinal,
		},
	}
}

// SearchMatch is one note in a search result. Score is the cosine similarity
// of the note's best chunk, in [-1, 1].
type SearchMatch struct {
	NoteID string  `json:"note_id"`
	Score  float64 `json:"score"`
	Title  string  `json:"title"`
}

// NoteHit is a search match hydrated with the full note.
type NoteHit struct {
	Note  Note    `json:"note"`
	Score float64 `json:"score"`
}

// Stage is a step of the per-note indexing state machine.
type Stage string

const (
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageUpserting Stage = "upserting"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// IndexResponse reports the outcome of an index request.
type IndexResponse struct {
	NoteID  string `json:"note_id"`
	Stage   Stage  `json:"stage"`
	Chunks  int    `json:"chunks"`
	Indexed int    `json:"indexed"`
	Deleted int64  `json:"deleted"`
	Warning string `json:"warning,omitempty"`
}
