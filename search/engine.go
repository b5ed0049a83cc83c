// Package search answers semantic queries over the note index.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"notesrag/index"
	"notesrag/metrics"
	"notesrag/model"
	"notesrag/retry"
	"notesrag/store"
	"notesrag/types"
)

const (
	DefaultTopK            = 5
	DefaultOverFetchFactor = 10
	DefaultMaxFetch        = 50
)

// Engine answers queries with one match per note.
type Engine struct {
	embedder model.Embedder
	index    index.Client
	notes    store.NoteStore
	metrics  *metrics.Metrics
	policy   retry.Policy
	logger   *slog.Logger

	overFetch int
	maxFetch  int
	minScore  float64
}

type Option func(*Engine)

func WithOverFetch(factor, maxFetch int) Option {
	return func(e *Engine) {
		if factor > 0 {
			e.overFetch = factor
		}
		if maxFetch > 0 {
			e.maxFetch = maxFetch
		}
	}
}

// WithMinScore drops matches below min (default -1).
func WithMinScore(min float64) Option {
	return func(e *Engine) {
		e.minScore = min
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine. notes may be nil when only Search is used.
func NewEngine(emb model.Embedder, idx index.Client, notes store.NoteStore, opts ...Option) *Engine {
	e := &Engine{
		embedder:  emb,
		index:     idx,
		notes:     notes,
		policy:    retry.DefaultPolicy(),
		logger:    slog.Default(),
		overFetch: DefaultOverFetchFactor,
		maxFetch:  DefaultMaxFetch,
		minScore:  -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "search")
	return e
}

// Search returns up to topK distinct notes ordered by descending score. When
// userID is set only that user's notes are considered. topK <= 0 means
// DefaultTopK.
func (e *Engine) Search(ctx context.Context, query, userID string, topK int) (matches []types.SearchMatch, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordSearch("search", time.Since(start), err == nil) }()

	if strings.TrimSpace(query) == "" {
		return nil, types.ErrInvalidQuery
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vector, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err = e.rank(ctx, vector, index.Filter{UserID: userID}, topK, "")
	if err != nil {
		return nil, err
	}
	e.logger.Debug("search done", "user_id", userID, "top_k", topK, "results", len(matches), "took", time.Since(start))
	return matches, nil
}

// SearchNotes resolves matches to notes, skipping deleted ones.
func (e *Engine) SearchNotes(ctx context.Context, query, userID string, topK int) ([]types.NoteHit, error) {
	if e.notes == nil {
		return nil, errors.New("search: no note store configured")
	}
	matches, err := e.Search(ctx, query, userID, topK)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, matches)
}

// Similar returns notes of the same owner that resemble noteID, excluding
// the note itself.
func (e *Engine) Similar(ctx context.Context, noteID string, topK int) (matches []types.SearchMatch, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordSearch("similar", time.Since(start), err == nil) }()

	if e.notes == nil {
		return nil, errors.New("search: no note store configured")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	note, err := e.notes.Get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(note.Text) == "" {
		return []types.SearchMatch{}, nil
	}

	vector, err := e.embed(ctx, note.Text)
	if err != nil {
		return nil, err
	}
	return e.rank(ctx, vector, index.Filter{UserID: note.UserID}, topK, note.ID)
}

// FetchSize is how many index entries are requested for topK notes.
func (e *Engine) FetchSize(topK int) int {
	return max(topK, min(topK*e.overFetch, e.maxFetch))
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]float32, error) {
		return e.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vector, nil
}

// rank queries the index and keeps the first, best scoring, match per note.
func (e *Engine) rank(ctx context.Context, vector []float32, filter index.Filter, topK int, exclude string) ([]types.SearchMatch, error) {
	fetch := e.FetchSize(topK)
	if exclude != "" {
		fetch = e.FetchSize(topK + 1)
	}

	raw, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]index.Match, error) {
		return e.index.Query(ctx, vector, fetch, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	seen := make(map[string]struct{}, topK)
	matches := make([]types.SearchMatch, 0, topK)
	for _, m := range raw {
		noteID := m.Metadata.NoteID
		if noteID == exclude {
			continue
		}
		if _, ok := seen[noteID]; ok {
			continue
		}
		if m.Score < e.minScore {
			e.logger.Debug("[FILTER] match below min score", "note_id", noteID, "score", m.Score, "min", e.minScore)
			continue
		}
		seen[noteID] = struct{}{}
		matches = append(matches, types.SearchMatch{
			NoteID: noteID,
			Score:  m.Score,
			Title:  m.Metadata.Title,
		})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

func (e *Engine) hydrate(ctx context.Context, matches []types.SearchMatch) ([]types.NoteHit, error) {
	if len(matches) == 0 {
		return []types.NoteHit{}, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.NoteID
	}
	notes, err := e.notes.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	byID := make(map[string]types.Note, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
	}

	hits := make([]types.NoteHit, 0, len(matches))
	for _, m := range matches {
		n, ok := byID[m.NoteID]
		if !ok {
			e.logger.Warn("dropping dangling index reference", "note_id", m.NoteID)
			continue
		}
		hits = append(hits, types.NoteHit{Note: n, Score: m.Score})
	}
	e.metrics.RecordDangling(len(matches) - len(hits))
	return hits, nil
}
