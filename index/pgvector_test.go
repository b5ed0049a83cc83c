package index

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesrag/types"
)

func TestWhereClause(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		prefix   []any
		want     string
		wantArgs []any
	}{
		{name: "empty", want: "", wantArgs: nil},
		{name: "note", filter: Filter{NoteID: "n1"}, want: "WHERE note_id = $1", wantArgs: []any{"n1"}},
		{
			name:     "both after vector arg",
			filter:   Filter{NoteID: "n1", UserID: "u1"},
			prefix:   []any{"vec"},
			want:     "WHERE note_id = $2 AND user_id = $3",
			wantArgs: []any{"vec", "n1", "u1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := whereClause(tt.filter, tt.prefix)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestPgVector_EnsureIndexRejectsBadSpec(t *testing.T) {
	p := NewPgVectorWithPool(nil)
	ctx := context.Background()

	assert.Error(t, p.EnsureIndex(ctx, Spec{Name: "notes; DROP TABLE x", Dimension: 2}))
	assert.Error(t, p.EnsureIndex(ctx, Spec{Name: "Notes", Dimension: 2}))
	assert.Error(t, p.EnsureIndex(ctx, Spec{Name: "notes", Dimension: 0}))
	assert.Error(t, p.EnsureIndex(ctx, Spec{Name: "notes", Dimension: 2, Metric: "l2"}))

	_, err := p.Count(ctx, Filter{})
	assert.ErrorIs(t, err, types.ErrIndexNotReady)
}

func TestWithScanLists(t *testing.T) {
	assert.Equal(t, ivfflatLists, NewPgVectorWithPool(nil).scanLists)
	assert.Equal(t, 10, NewPgVectorWithPool(nil, WithScanLists(10)).scanLists)
	assert.Equal(t, ivfflatLists, NewPgVectorWithPool(nil, WithScanLists(1000)).scanLists)
	assert.Equal(t, ivfflatLists, NewPgVectorWithPool(nil, WithScanLists(0)).scanLists)
}

// TestPgVector_Integration runs against a real database when
// NOTESRAG_TEST_PG_DSN is set.
func TestPgVector_Integration(t *testing.T) {
	dsn := os.Getenv("NOTESRAG_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("NOTESRAG_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	p, err := NewPgVector(ctx, dsn)
	require.NoError(t, err)
	defer p.Close()

	spec := Spec{Name: "notes_index_test", Dimension: 2, Metric: MetricCosine}
	_, err = p.pool.Exec(ctx, "DROP TABLE IF EXISTS notes_index_test")
	require.NoError(t, err)

	require.NoError(t, p.EnsureIndex(ctx, spec))
	require.NoError(t, p.EnsureIndex(ctx, spec))
	assert.ErrorIs(t, p.EnsureIndex(ctx, Spec{Name: spec.Name, Dimension: 3}), types.ErrDimensionMismatch)

	require.NoError(t, p.Upsert(ctx, []types.IndexEntry{
		entry("n1", "u1", 1, 0),
		entry("n2", "u1", 0, 1),
		entry("n3", "u2", 1, 0),
	}))

	matches, err := p.Query(ctx, []float32{1, 0}, 5, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "n1", matches[0].Metadata.NoteID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	n, err := p.DeleteByFilter(ctx, Filter{NoteID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ids, err := p.NoteIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3"}, ids)
}

// TestPgVector_FilteredRecall fills the ivfflat index with another user's
// entries close to the query. The user filter must still find the one
// distant entry of u1.
func TestPgVector_FilteredRecall(t *testing.T) {
	dsn := os.Getenv("NOTESRAG_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("NOTESRAG_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	p, err := NewPgVector(ctx, dsn)
	require.NoError(t, err)
	defer p.Close()

	spec := Spec{Name: "notes_index_recall_test", Dimension: 2, Metric: MetricCosine}
	_, err = p.pool.Exec(ctx, "DROP TABLE IF EXISTS notes_index_recall_test")
	require.NoError(t, err)
	require.NoError(t, p.EnsureIndex(ctx, spec))

	entries := make([]types.IndexEntry, 0, 2001)
	for i := 0; i < 2000; i++ {
		angle := float64(i) / 2000 * math.Pi / 4
		entries = append(entries, entry(fmt.Sprintf("crowd-%d", i), "u2", float32(math.Cos(angle)), float32(math.Sin(angle))))
	}
	entries = append(entries, entry("lonely", "u1", -1, 0.1))
	require.NoError(t, p.Upsert(ctx, entries))

	// Build the lists over real data, as after a reindex.
	_, err = p.pool.Exec(ctx, "REINDEX TABLE notes_index_recall_test")
	require.NoError(t, err)

	matches, err := p.Query(ctx, []float32{1, 0}, 5, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "lonely", matches[0].Metadata.NoteID)

	all, err := p.Query(ctx, []float32{1, 0}, 3, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "crowd-0", all[0].Metadata.NoteID)
}
