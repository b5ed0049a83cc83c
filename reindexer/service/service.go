package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"notesrag/metrics"
	"notesrag/pipeline"
	"notesrag/store"
	"notesrag/types"
)

// NoteIndexer is the part of pipeline.Indexer the reindexer drives.
type NoteIndexer interface {
	IndexNote(ctx context.Context, note types.Note) (*pipeline.Result, error)
	DeleteNote(ctx context.Context, noteID string) error
}

// IndexedNotes lists the note ids that currently have entries in the index.
type IndexedNotes interface {
	NoteIDs(ctx context.Context) ([]string, error)
}

const shutdownWait = 5 * time.Second

// Service keeps the index in line with the note store: notes edited since
// the last pass are re-indexed and entries of deleted notes are purged.
type Service struct {
	logger   *slog.Logger
	notes    store.NoteStore
	index    IndexedNotes
	indexer  NoteIndexer
	metrics  *metrics.Metrics
	interval time.Duration

	// watermark is the start of the last pass that re-indexed every note it
	// saw; zero means everything is re-indexed on the first pass.
	watermark time.Time
	mu        sync.Mutex
}

func New(notes store.NoteStore, index IndexedNotes, indexer NoteIndexer, m *metrics.Metrics, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		logger:   slog.Default().With("component", "reindexer"),
		notes:    notes,
		index:    index,
		indexer:  indexer,
		metrics:  m,
		interval: interval,
	}
}

// Run runs a pass immediately and then every interval until ctx is
// cancelled. In-flight work gets a bounded time to finish.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if err := s.Pass(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("reindex pass failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	<-ctx.Done()
	s.logger.Info("received shutdown signal, waiting for the current pass")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("reindexer stopped")
	case <-time.After(shutdownWait):
		s.logger.Warn("timeout waiting for the current pass, forcing shutdown")
	}
}

// Pass re-indexes updated notes and then purges dangling entries.
func (s *Service) Pass(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(s.reindexUpdated(ctx), s.purgeDangling(ctx))
}

func (s *Service) reindexUpdated(ctx context.Context) error {
	started := time.Now()
	notes, err := s.notes.ListUpdatedSince(ctx, s.watermark)
	if err != nil {
		return fmt.Errorf("list updated notes: %w", err)
	}
	if len(notes) == 0 {
		s.watermark = started
		return nil
	}

	noteChan := make(chan types.Note, 10)
	var (
		wg     sync.WaitGroup
		failed int
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for note := range noteChan {
			if _, err := s.indexer.IndexNote(ctx, note); err != nil {
				failed++
				s.metrics.RecordReindex(false)
				continue
			}
			s.metrics.RecordReindex(true)
		}
	}()

	sent := 0
	for _, note := range notes {
		select {
		case noteChan <- note:
			sent++
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(noteChan)
	wg.Wait()

	s.logger.Info("reindexed updated notes", "notes", sent, "failed", failed)
	if failed > 0 || sent < len(notes) {
		// Keep the watermark so the next pass picks these notes up again.
		return fmt.Errorf("%d of %d notes not reindexed", len(notes)-sent+failed, len(notes))
	}
	s.watermark = started
	return nil
}

func (s *Service) purgeDangling(ctx context.Context) error {
	ids, err := s.index.NoteIDs(ctx)
	if err != nil {
		return fmt.Errorf("list indexed notes: %w", err)
	}

	var errs []error
	purged := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		exists, err := s.notes.Exists(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("check note %s: %w", id, err))
			continue
		}
		if exists {
			continue
		}
		if err := s.indexer.DeleteNote(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("purged entries of deleted notes", "notes", purged)
		s.metrics.RecordPurged(purged)
	}
	return errors.Join(errs...)
}
