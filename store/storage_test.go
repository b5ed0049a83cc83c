package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesrag/types"
)

func TestMemoryStore(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(
		types.Note{ID: "n1", UserID: "u1", UpdatedAt: base},
		types.Note{ID: "n2", UserID: "u1", UpdatedAt: base.Add(2 * time.Hour)},
		types.Note{ID: "n3", UserID: "u2", UpdatedAt: base.Add(time.Hour)},
	)
	ctx := context.Background()

	n, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "u1", n.UserID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNoteNotFound)

	notes, err := s.ListByIDs(ctx, []string{"n2", "missing", "n1"})
	require.NoError(t, err)
	require.Len(t, notes, 2)

	updated, err := s.ListUpdatedSince(ctx, base)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.Equal(t, "n3", updated[0].ID)
	assert.Equal(t, "n2", updated[1].ID)

	s.Delete("n1")
	ok, err := s.Exists(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestPostgresStore_Integration runs against a real database when
// NOTESRAG_TEST_PG_DSN is set.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("NOTESRAG_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("NOTESRAG_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	note := types.Note{ID: "it-note-1", UserID: "u1", Title: "Focus", Text: "deep work blocks", Tags: []string{"work"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveNote(ctx, note))
	defer s.DeleteNote(ctx, note.ID)

	got, err := s.Get(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, note.Text, got.Text)
	assert.Equal(t, []string{"work"}, got.Tags)

	ok, err := s.Exists(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	notes, err := s.ListByIDs(ctx, []string{note.ID, "it-missing"})
	require.NoError(t, err)
	assert.Len(t, notes, 1)

	_, err = s.Get(ctx, "it-missing")
	assert.ErrorIs(t, err, types.ErrNoteNotFound)
}
