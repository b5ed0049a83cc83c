package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"notesrag/types"
)

type state int

const (
	stateInit state = iota
	stateReady
	stateClosed
)

var _ Client = (*Handle)(nil)

// Handle is the process-wide index handle. The index is created on first use;
// concurrent first users wait for the same initialisation. A failed
// initialisation is attempted again on the next call, except a dimension
// mismatch, which sticks until the process is reconfigured.
type Handle struct {
	backend     Backend
	spec        Spec
	batchSize   int
	initTimeout time.Duration
	logger      *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	state state
	fatal error
}

type HandleOption func(*Handle)

func WithBatchSize(n int) HandleOption {
	return func(h *Handle) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

func WithInitTimeout(d time.Duration) HandleOption {
	return func(h *Handle) {
		if d > 0 {
			h.initTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) {
		h.logger = l
	}
}

func NewHandle(backend Backend, spec Spec, opts ...HandleOption) *Handle {
	if spec.Metric == "" {
		spec.Metric = MetricCosine
	}
	h := &Handle{
		backend:     backend,
		spec:        spec,
		batchSize:   DefaultBatchSize,
		initTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "index", "index", spec.Name)
	return h
}

func (h *Handle) Spec() Spec { return h.spec }

// Init checks the embedder dimension against the index spec and creates the
// index eagerly. Any error wrapping ErrDimensionMismatch is permanent.
func (h *Handle) Init(ctx context.Context, embedderDims int) error {
	if embedderDims != h.spec.Dimension {
		err := types.DimensionError("embedder", embedderDims, h.spec.Dimension)
		h.mu.Lock()
		h.fatal = err
		h.mu.Unlock()
		return err
	}
	return h.ensure(ctx)
}

func (h *Handle) ensure(ctx context.Context) error {
	h.mu.RLock()
	st, fatal := h.state, h.fatal
	h.mu.RUnlock()

	switch {
	case st == stateClosed:
		return types.ErrIndexNotReady
	case fatal != nil:
		return fatal
	case st == stateReady:
		return nil
	}

	_, err, shared := h.group.Do("init", func() (any, error) {
		h.mu.RLock()
		st, fatal := h.state, h.fatal
		h.mu.RUnlock()
		if fatal != nil {
			return nil, fatal
		}
		switch st {
		case stateReady:
			return nil, nil
		case stateClosed:
			return nil, types.ErrIndexNotReady
		}

		// The caller's cancellation must not fail the other waiters.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.initTimeout)
		defer cancel()

		start := time.Now()
		if err := h.backend.EnsureIndex(initCtx, h.spec); err != nil {
			if errors.Is(err, types.ErrDimensionMismatch) {
				h.mu.Lock()
				h.fatal = err
				h.mu.Unlock()
			}
			return nil, err
		}

		h.mu.Lock()
		if h.state == stateInit {
			h.state = stateReady
		}
		h.mu.Unlock()
		h.logger.Info("index ready", "dimension", h.spec.Dimension, "metric", h.spec.Metric, "took", time.Since(start))
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, types.ErrDimensionMismatch) || errors.Is(err, types.ErrIndexNotReady) {
			return err
		}
		h.logger.Warn("index initialisation failed", "err", err, "shared", shared)
		return fmt.Errorf("%w: %w", types.ErrIndexNotReady, err)
	}
	return nil
}

// Ping initialises the index if needed and reports whether it is usable.
func (h *Handle) Ping(ctx context.Context) error {
	return h.ensure(ctx)
}

func (h *Handle) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	if err := h.ensure(ctx); err != nil {
		return err
	}
	for _, e := range entries {
		if len(e.Vector) != h.spec.Dimension {
			return types.DimensionError("entry vector", len(e.Vector), h.spec.Dimension)
		}
	}

	batches := (len(entries) + h.batchSize - 1) / h.batchSize
	for i := 0; i < batches; i++ {
		lo := i * h.batchSize
		hi := min(lo+h.batchSize, len(entries))
		if err := h.backend.Upsert(ctx, entries[lo:hi]); err != nil {
			return fmt.Errorf("upsert batch %d of %d (%d entries applied): %w", i+1, batches, lo, err)
		}
	}
	return nil
}

func (h *Handle) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if err := h.ensure(ctx); err != nil {
		return nil, err
	}
	if len(vector) != h.spec.Dimension {
		return nil, types.DimensionError("query vector", len(vector), h.spec.Dimension)
	}
	if topK <= 0 {
		return nil, nil
	}
	return h.backend.Query(ctx, vector, topK, filter)
}

func (h *Handle) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	if filter.Empty() {
		return 0, ErrEmptyFilter
	}
	if err := h.ensure(ctx); err != nil {
		return 0, err
	}
	return h.backend.DeleteByFilter(ctx, filter)
}

func (h *Handle) Count(ctx context.Context, filter Filter) (int, error) {
	if err := h.ensure(ctx); err != nil {
		return 0, err
	}
	return h.backend.Count(ctx, filter)
}

func (h *Handle) NoteIDs(ctx context.Context) ([]string, error) {
	if err := h.ensure(ctx); err != nil {
		return nil, err
	}
	return h.backend.NoteIDs(ctx)
}

// Close releases the backend. Later calls fail with ErrIndexNotReady.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.state == stateClosed {
		h.mu.Unlock()
		return
	}
	h.state = stateClosed
	h.mu.Unlock()

	h.backend.Close()
	h.logger.Info("index closed")
}
