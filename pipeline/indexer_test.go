package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesrag/chunker"
	"notesrag/index"
	"notesrag/retry"
	"notesrag/types"
)

const dims = 3

type fakeEmbedder struct {
	failOn   func(text string) bool
	failWith error // defaults to types.ErrModelUnavailable
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failOn != nil && f.failOn(text) {
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, types.ErrModelUnavailable
	}
	return []float32{float32(len(text)%7 + 1), float32(strings.Count(text, "a") + 1), 1}, nil
}

func (f *fakeEmbedder) Dimensions() int   { return dims }
func (f *fakeEmbedder) ModelName() string { return "fake" }

// brokenDeletes makes DeleteByFilter fail while everything else works.
type brokenDeletes struct {
	index.Client
}

func (b brokenDeletes) DeleteByFilter(ctx context.Context, f index.Filter) (int64, error) {
	return 0, errors.New("connection reset")
}

// flakyIndex fails the first upsertFailures upserts and deleteFailures
// deletes, then passes calls through.
type flakyIndex struct {
	index.Client
	upsertFailures atomic.Int32
	deleteFailures atomic.Int32
	upserts        atomic.Int32
}

func (f *flakyIndex) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	f.upserts.Add(1)
	if f.upsertFailures.Add(-1) >= 0 {
		return errors.New("upsert: connection reset")
	}
	return f.Client.Upsert(ctx, entries)
}

func (f *flakyIndex) DeleteByFilter(ctx context.Context, filter index.Filter) (int64, error) {
	if f.deleteFailures.Add(-1) >= 0 {
		return 0, errors.New("delete: connection reset")
	}
	return f.Client.DeleteByFilter(ctx, filter)
}

// secondBatchFailsOnce fails the second batch a handle sends, once.
type secondBatchFailsOnce struct {
	*index.Memory
	calls atomic.Int32
}

func (b *secondBatchFailsOnce) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	if b.calls.Add(1) == 2 {
		return errors.New("batch rejected")
	}
	return b.Memory.Upsert(ctx, entries)
}

var fastRetry = retry.Policy{Attempts: 2, Backoff: time.Millisecond, Timeout: time.Second}

func newTestIndexer(t *testing.T, emb *fakeEmbedder, opts ...Option) (*Indexer, *index.Handle) {
	t.Helper()
	h := index.NewHandle(index.NewMemory(), index.Spec{Name: "notes_index", Dimension: dims})
	t.Cleanup(h.Close)
	ch := chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(10))
	opts = append([]Option{WithRetryPolicy(fastRetry)}, opts...)
	return NewIndexer(ch, emb, h, opts...), h
}

// textOf returns text that splits into 1, 2 or 3 chunks of the test chunker
// for n = 100, 190, 280.
func textOf(n int) string {
	return strings.Repeat("a", n)
}

func count(t *testing.T, c index.Client, noteID string) int {
	t.Helper()
	n, err := c.Count(context.Background(), index.Filter{NoteID: noteID})
	require.NoError(t, err)
	return n
}

func TestIndexNote_CreatesOneEntryPerChunk(t *testing.T) {
	ix, h := newTestIndexer(t, &fakeEmbedder{})
	note := types.Note{ID: "n1", UserID: "u1", Title: "Weekly plan", Text: textOf(280)}

	res, err := ix.IndexNote(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, types.StageDone, res.Stage)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Indexed)
	assert.NoError(t, res.Partial())
	assert.Equal(t, 3, count(t, h, "n1"))

	matches, err := h.Query(context.Background(), []float32{1, 1, 1}, 10, index.Filter{NoteID: "n1"})
	require.NoError(t, err)
	ordinals := map[int]bool{}
	for _, m := range matches {
		assert.Equal(t, "u1", m.Metadata.UserID)
		assert.Equal(t, "Weekly plan", m.Metadata.Title)
		ordinals[m.Metadata.ChunkOrdinal] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, ordinals)
}

func TestIndexNote_UpdateReplacesEntries(t *testing.T) {
	ix, h := newTestIndexer(t, &fakeEmbedder{})
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.NoError(t, err)
	_, err = ix.IndexNote(ctx, types.Note{ID: "n2", UserID: "u1", Text: textOf(190)})
	require.NoError(t, err)

	res, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(100)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Deleted)

	assert.Equal(t, 1, count(t, h, "n1"))
	assert.Equal(t, 2, count(t, h, "n2"))
}

func TestDeleteNote(t *testing.T) {
	ix, h := newTestIndexer(t, &fakeEmbedder{})
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.NoError(t, err)

	require.NoError(t, ix.DeleteNote(ctx, "n1"))
	assert.Equal(t, 0, count(t, h, "n1"))

	// Deleting again is a no-op, not an error.
	require.NoError(t, ix.DeleteNote(ctx, "n1"))
	assert.Error(t, ix.DeleteNote(ctx, ""))
}

func TestDeleteNote_FailureIsSurfaced(t *testing.T) {
	h := index.NewHandle(index.NewMemory(), index.Spec{Name: "notes_index", Dimension: dims})
	defer h.Close()
	ix := NewIndexer(chunker.New(), &fakeEmbedder{}, brokenDeletes{h}, WithRetryPolicy(fastRetry))

	err := ix.DeleteNote(context.Background(), "n1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	_, err = ix.IndexNote(context.Background(), types.Note{ID: "n1", Text: "hello"})
	assert.Error(t, err, "upsert must not run when the old entries could not be removed")
	assert.Equal(t, 0, count(t, h, "n1"))
}

func TestIndexNote_PartialFailure(t *testing.T) {
	emb := &fakeEmbedder{failOn: func(text string) bool { return strings.Contains(text, "FAIL") }}
	ix, h := newTestIndexer(t, emb)

	text := textOf(250) + "FAIL" + textOf(26)
	res, err := ix.IndexNote(context.Background(), types.Note{ID: "n1", UserID: "u1", Text: text})
	require.NoError(t, err)

	assert.Equal(t, types.StageDone, res.Stage)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 2, count(t, h, "n1"))

	partial := res.Partial()
	require.Error(t, partial)
	assert.ErrorIs(t, partial, types.ErrPartialUpsert)

	var pe *types.PartialUpsertError
	require.ErrorAs(t, partial, &pe)
	require.Len(t, pe.Failures, 1)
	assert.Equal(t, 2, pe.Failures[0].Ordinal)
	assert.ErrorIs(t, pe.Failures[0].Err, types.ErrModelUnavailable)
}

func TestIndexNote_AllChunksFail(t *testing.T) {
	emb := &fakeEmbedder{}
	ix, h := newTestIndexer(t, emb)
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(190)})
	require.NoError(t, err)
	require.Equal(t, 2, count(t, h, "n1"))

	emb.failOn = func(string) bool { return true }
	res, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
	assert.Equal(t, types.StageFailed, res.Stage)
	assert.Equal(t, types.StageEmbedding, res.FailedAt)
	assert.Zero(t, res.Deleted)

	// The previous version stays searchable until the model is back.
	assert.Equal(t, 2, count(t, h, "n1"))
}

func TestIndexNote_DimensionMismatchKeepsEntries(t *testing.T) {
	emb := &fakeEmbedder{}
	ix, h := newTestIndexer(t, emb)
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(190)})
	require.NoError(t, err)

	// Only one chunk hits the mismatch; the whole note still fails.
	emb.failOn = func(text string) bool { return strings.Contains(text, "b") }
	emb.failWith = types.DimensionError("embedding", 8, dims)
	res, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(150) + "b" + textOf(100)})
	require.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Equal(t, types.StageEmbedding, res.FailedAt)
	assert.Zero(t, res.Indexed)
	assert.Equal(t, 2, count(t, h, "n1"))
}

func TestIndexNote_UpsertRetried(t *testing.T) {
	h := index.NewHandle(index.NewMemory(), index.Spec{Name: "notes_index", Dimension: dims})
	t.Cleanup(h.Close)
	flaky := &flakyIndex{Client: h}
	flaky.upsertFailures.Store(1)
	ix := NewIndexer(chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(10)), &fakeEmbedder{}, flaky, WithRetryPolicy(fastRetry))

	res, err := ix.IndexNote(context.Background(), types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.NoError(t, err)
	assert.Equal(t, types.StageDone, res.Stage)
	assert.Equal(t, int32(2), flaky.upserts.Load())
	assert.Equal(t, 3, count(t, h, "n1"))
}

func TestIndexNote_PartialBatchIsReapplied(t *testing.T) {
	backend := &secondBatchFailsOnce{Memory: index.NewMemory()}
	h := index.NewHandle(backend, index.Spec{Name: "notes_index", Dimension: dims}, index.WithBatchSize(2))
	t.Cleanup(h.Close)
	ix := NewIndexer(chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(10)), &fakeEmbedder{}, h, WithRetryPolicy(fastRetry))

	res, err := ix.IndexNote(context.Background(), types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	// The first batch was written twice under the same ids: no duplicates.
	assert.Equal(t, 3, count(t, h, "n1"))
	assert.Equal(t, int32(4), backend.calls.Load())
}

func TestIndexNote_UpsertExhausted(t *testing.T) {
	h := index.NewHandle(index.NewMemory(), index.Spec{Name: "notes_index", Dimension: dims})
	t.Cleanup(h.Close)
	flaky := &flakyIndex{Client: h}
	flaky.upsertFailures.Store(10)
	ix := NewIndexer(chunker.New(), &fakeEmbedder{}, flaky, WithRetryPolicy(fastRetry))

	res, err := ix.IndexNote(context.Background(), types.Note{ID: "n1", UserID: "u1", Text: "weekly plan"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 attempts")
	assert.Equal(t, types.StageFailed, res.Stage)
	assert.Equal(t, types.StageUpserting, res.FailedAt)
	assert.Zero(t, res.Indexed)
	assert.Equal(t, int32(2), flaky.upserts.Load())
}

func TestIndexNote_DeleteFailureSkipsUpsert(t *testing.T) {
	h := index.NewHandle(index.NewMemory(), index.Spec{Name: "notes_index", Dimension: dims})
	t.Cleanup(h.Close)
	flaky := &flakyIndex{Client: h}
	ix := NewIndexer(chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(10)), &fakeEmbedder{}, flaky, WithRetryPolicy(fastRetry))
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(280)})
	require.NoError(t, err)
	flaky.upserts.Store(0)

	flaky.deleteFailures.Store(10)
	res, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(100)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete previous entries")
	assert.Equal(t, types.StageUpserting, res.FailedAt)
	assert.Zero(t, flaky.upserts.Load())
	// Old entries untouched, new ones not written next to them.
	assert.Equal(t, 3, count(t, h, "n1"))
}

func TestIndexNote_EmptyText(t *testing.T) {
	ix, h := newTestIndexer(t, &fakeEmbedder{})
	ctx := context.Background()

	_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(190)})
	require.NoError(t, err)

	res, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: "  \n\n "})
	require.NoError(t, err)
	assert.Equal(t, types.StageDone, res.Stage)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, 0, count(t, h, "n1"))

	_, err = ix.IndexNote(ctx, types.Note{})
	assert.Error(t, err)
}

func TestIndexNote_SameNoteSerialised(t *testing.T) {
	ix, h := newTestIndexer(t, &fakeEmbedder{delay: time.Millisecond})
	ctx := context.Background()
	lengths := []int{100, 190, 280}

	var wg sync.WaitGroup
	for n := 0; n < 12; n++ {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ix.IndexNote(ctx, types.Note{ID: "n1", UserID: "u1", Text: textOf(lengths[n%3])})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Interleaved updates would leave a mix of old and new entries.
	assert.Contains(t, []int{1, 2, 3}, count(t, h, "n1"))
	assert.Equal(t, 0, ix.locks.len())
}

func TestIndexNote_ConcurrencyLimit(t *testing.T) {
	emb := &fakeEmbedder{delay: 5 * time.Millisecond}
	ix, _ := newTestIndexer(t, emb, WithConcurrency(2))

	res, err := ix.IndexNote(context.Background(), types.Note{ID: "n1", UserID: "u1", Text: textOf(1000)})
	require.NoError(t, err)
	assert.Greater(t, res.Total, 2)
	assert.LessOrEqual(t, emb.maxSeen.Load(), int32(2))
	assert.Equal(t, int32(res.Total), emb.calls.Load())
}
