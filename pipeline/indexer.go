// Package pipeline keeps the vector index in step with note contents.
//
// Updating a note removes its previous entries and then writes the new ones.
// The index has no multi-entry transactions, so between the two steps a
// search may miss the note entirely; that window is accepted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"notesrag/chunker"
	"notesrag/index"
	"notesrag/metrics"
	"notesrag/model"
	"notesrag/retry"
	"notesrag/types"
)

const DefaultConcurrency = 4

// Result describes what one IndexNote call did.
type Result struct {
	NoteID   string
	Stage    types.Stage
	FailedAt types.Stage // stage that failed when Stage is StageFailed
	Total    int         // chunks produced
	Indexed  int         // entries written
	Deleted  int64       // previous entries removed
	Failures []types.ChunkFailure
}

// Partial returns a *types.PartialUpsertError when some chunks were left out,
// nil otherwise.
func (r *Result) Partial() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return &types.PartialUpsertError{NoteID: r.NoteID, Total: r.Total, Failures: r.Failures}
}

type Indexer struct {
	chunker     *chunker.Chunker
	embedder    model.Embedder
	index       index.Client
	metrics     *metrics.Metrics
	policy      retry.Policy
	concurrency int
	logger      *slog.Logger
	locks       *keyedMutex
}

type Option func(*Indexer)

func WithConcurrency(n int) Option {
	return func(i *Indexer) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(i *Indexer) {
		i.policy = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Indexer) {
		i.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Indexer) {
		i.logger = l
	}
}

func NewIndexer(ch *chunker.Chunker, emb model.Embedder, idx index.Client, opts ...Option) *Indexer {
	i := &Indexer{
		chunker:     ch,
		embedder:    emb,
		index:       idx,
		policy:      retry.DefaultPolicy(),
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "pipeline")
	return i
}

// IndexNote replaces the index entries of note with entries for its current
// text. Chunks that cannot be embedded are skipped and reported through
// Result.Partial; the call fails only when nothing could be indexed or an
// index call fails.
func (i *Indexer) IndexNote(ctx context.Context, note types.Note) (*Result, error) {
	if note.ID == "" {
		return nil, errors.New("index note: empty note id")
	}

	unlock := i.locks.Lock(note.ID)
	defer unlock()

	start := time.Now()
	res := &Result{NoteID: note.ID, Stage: types.StageChunking}
	log := i.logger.With("note_id", note.ID)

	fail := func(err error) (*Result, error) {
		log.Error("indexing failed", "stage", res.Stage, "err", err)
		res.FailedAt, res.Stage = res.Stage, types.StageFailed
		i.metrics.RecordIndex(string(res.Stage), false, time.Since(start))
		return res, fmt.Errorf("index note %s: %w", note.ID, err)
	}

	chunks := i.split(note)
	res.Total = len(chunks)

	if len(chunks) == 0 {
		res.Stage = types.StageUpserting
		deleted, err := i.deleteEntries(ctx, note.ID)
		if err != nil {
			return fail(err)
		}
		res.Deleted = deleted
		res.Stage = types.StageDone
		log.Info("note has no text, entries removed", "deleted", deleted)
		i.metrics.RecordIndex(string(res.Stage), false, time.Since(start))
		return res, nil
	}

	res.Stage = types.StageEmbedding
	entries, failures := i.embedChunks(ctx, note, chunks)
	res.Failures = failures

	// A model of the wrong size fails every chunk of every note; stop before
	// the old entries are touched.
	for _, f := range failures {
		if errors.Is(f.Err, types.ErrDimensionMismatch) {
			return fail(fmt.Errorf("chunk %d: %w", f.Ordinal, f.Err))
		}
	}
	// Nothing to replace them with: the previous entries stay searchable.
	if len(entries) == 0 {
		return fail(fmt.Errorf("all %d chunks failed to embed: %w", len(chunks), failures[0].Err))
	}

	res.Stage = types.StageUpserting
	deleted, err := i.deleteEntries(ctx, note.ID)
	if err != nil {
		return fail(err)
	}
	res.Deleted = deleted

	err = retry.Do(ctx, i.policy, func(ctx context.Context) error {
		return i.index.Upsert(ctx, entries)
	})
	if err != nil {
		return fail(fmt.Errorf("upsert: %w", err))
	}
	res.Indexed = len(entries)
	res.Stage = types.StageDone

	partial := res.Partial()
	if partial != nil {
		log.Warn("note partially indexed", "err", partial, "indexed", res.Indexed, "total", res.Total)
	} else {
		log.Info("note indexed", "chunks", res.Total, "deleted", res.Deleted, "took", time.Since(start))
	}
	i.metrics.RecordIndex(string(res.Stage), partial != nil, time.Since(start))
	return res, nil
}

// DeleteNote removes every index entry of the note. Errors are returned so
// callers can retry; orphaned entries would otherwise stay searchable.
func (i *Indexer) DeleteNote(ctx context.Context, noteID string) error {
	if noteID == "" {
		return errors.New("delete note: empty note id")
	}

	unlock := i.locks.Lock(noteID)
	defer unlock()

	deleted, err := i.deleteEntries(ctx, noteID)
	if err != nil {
		i.logger.Error("removing note entries failed", "note_id", noteID, "err", err)
		return fmt.Errorf("delete note %s: %w", noteID, err)
	}
	i.logger.Info("note entries removed", "note_id", noteID, "deleted", deleted)
	return nil
}

func (i *Indexer) split(note types.Note) []types.Chunk {
	var chunks []types.Chunk
	for _, text := range i.chunker.Split(note.Text) {
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, types.Chunk{NoteID: note.ID, Ordinal: len(chunks), Text: text})
	}
	return chunks
}

// embedChunks embeds all chunks with bounded concurrency and returns the
// entries that succeeded, in ordinal order, plus the failures.
func (i *Indexer) embedChunks(ctx context.Context, note types.Note, chunks []types.Chunk) ([]types.IndexEntry, []types.ChunkFailure) {
	vectors := make([][]float32, len(chunks))
	errs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(i.concurrency)
	for n, ch := range chunks {
		n, ch := n, ch
		g.Go(func() error {
			vec, err := retry.Value(ctx, i.policy, func(ctx context.Context) ([]float32, error) {
				return i.embedder.Embed(ctx, ch.Text)
			})
			vectors[n], errs[n] = vec, err

			if err != nil {
				i.logger.Warn("chunk embedding failed", "note_id", note.ID, "ordinal", ch.Ordinal, "err", err)
				i.metrics.RecordChunk(0, false)
				return nil
			}
			if i.metrics != nil {
				tokens := model.CountTokens(ch.Text)
				i.metrics.RecordChunk(tokens, true)
				i.logger.Debug("chunk embedded", "note_id", note.ID, "ordinal", ch.Ordinal, "tokens", tokens)
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		entries  []types.IndexEntry
		failures []types.ChunkFailure
	)
	for n, ch := range chunks {
		if errs[n] != nil {
			failures = append(failures, types.ChunkFailure{Ordinal: ch.Ordinal, Err: errs[n]})
			continue
		}
		entries = append(entries, types.NewIndexEntry(note, ch, vectors[n]))
	}
	return entries, failures
}

func (i *Indexer) deleteEntries(ctx context.Context, noteID string) (int64, error) {
	deleted, err := retry.Value(ctx, i.policy, func(ctx context.Context) (int64, error) {
		return i.index.DeleteByFilter(ctx, index.Filter{NoteID: noteID})
	})
	if err != nil {
		return 0, fmt.Errorf("delete previous entries: %w", err)
	}
	i.metrics.RecordDeleted(deleted)
	return deleted, nil
}
