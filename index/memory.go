package index

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"notesrag/types"
)

var _ Backend = (*Memory)(nil)

type memEntry struct {
	entry types.IndexEntry
	seq   uint64
}

// Memory is an in-process backend with brute-force cosine search. It is meant
// for tests and single-node development runs.
type Memory struct {
	mu      sync.RWMutex
	spec    *Spec
	entries map[uuid.UUID]memEntry
	seq     uint64
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[uuid.UUID]memEntry)}
}

func (m *Memory) EnsureIndex(ctx context.Context, spec Spec) error {
	if spec.Metric != "" && spec.Metric != MetricCosine {
		return fmt.Errorf("memory index: unsupported metric %q", spec.Metric)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spec != nil {
		if m.spec.Dimension != spec.Dimension {
			return types.DimensionError("index "+spec.Name, m.spec.Dimension, spec.Dimension)
		}
		return nil
	}
	m.spec = &spec
	return nil
}

func (m *Memory) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spec == nil {
		return types.ErrIndexNotReady
	}
	for _, e := range entries {
		if len(e.Vector) != m.spec.Dimension {
			return types.DimensionError("entry vector", len(e.Vector), m.spec.Dimension)
		}
	}
	for _, e := range entries {
		m.seq++
		e.Vector = slices.Clone(e.Vector)
		m.entries[e.ID] = memEntry{entry: e, seq: m.seq}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.spec == nil {
		return nil, types.ErrIndexNotReady
	}
	if len(vector) != m.spec.Dimension {
		return nil, types.DimensionError("query vector", len(vector), m.spec.Dimension)
	}

	type scored struct {
		match Match
		seq   uint64
	}
	var hits []scored
	for id, me := range m.entries {
		if !filter.matches(me.entry.Metadata) {
			continue
		}
		hits = append(hits, scored{
			match: Match{EntryID: id, Score: Cosine(vector, me.entry.Vector), Metadata: me.entry.Metadata},
			seq:   me.seq,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].match.Score != hits[j].match.Score {
			return hits[i].match.Score > hits[j].match.Score
		}
		return hits[i].seq < hits[j].seq
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out, nil
}

func (m *Memory) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	if filter.Empty() {
		return 0, ErrEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, me := range m.entries {
		if filter.matches(me.entry.Metadata) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, me := range m.entries {
		if filter.matches(me.entry.Metadata) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) NoteIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, me := range m.entries {
		seen[me.entry.Metadata.NoteID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() {}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero
// vector.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
