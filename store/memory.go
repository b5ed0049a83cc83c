package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"notesrag/types"
)

var (
	_ NoteStore = (*MemoryStore)(nil)
	_ NoteStore = (*PostgresStore)(nil)
)

// MemoryStore keeps notes in a map. It backs INDEX_BACKEND=memory runs and
// tests.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string]types.Note
}

func NewMemoryStore(notes ...types.Note) *MemoryStore {
	s := &MemoryStore{notes: make(map[string]types.Note)}
	for _, n := range notes {
		s.notes[n.ID] = n
	}
	return s
}

func (s *MemoryStore) Put(n types.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.ID] = n
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoteNotFound, id)
	}
	return &n, nil
}

func (s *MemoryStore) ListByIDs(ctx context.Context, ids []string) ([]types.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Note
	for _, id := range ids {
		if n, ok := s.notes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.notes[id]
	return ok, nil
}

func (s *MemoryStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]types.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Note
	for _, n := range s.notes {
		if n.UpdatedAt.After(since) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
