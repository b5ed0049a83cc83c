package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"notesrag/pipeline"
	"notesrag/store"
	"notesrag/types"
)

// NoteIndexer is implemented by pipeline.Indexer.
type NoteIndexer interface {
	IndexNote(ctx context.Context, note types.Note) (*pipeline.Result, error)
	DeleteNote(ctx context.Context, noteID string) error
}

type IndexHandler struct {
	indexer NoteIndexer
	notes   store.NoteStore
}

func NewIndexHandler(indexer NoteIndexer, notes store.NoteStore) *IndexHandler {
	return &IndexHandler{
		indexer: indexer,
		notes:   notes,
	}
}

// HandleIndexNote re-indexes the stored version of a note. Called by the
// notes service after a create or update.
func (h *IndexHandler) HandleIndexNote(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return ErrInvalidID()
	}

	note, err := h.notes.Get(c.UserContext(), id)
	if errors.Is(err, types.ErrNoteNotFound) {
		return ErrNotFound(id, "note")
	}
	if err != nil {
		return err
	}

	res, err := h.indexer.IndexNote(c.UserContext(), *note)
	if err != nil {
		return err
	}

	resp := types.IndexResponse{
		NoteID:  res.NoteID,
		Stage:   res.Stage,
		Chunks:  res.Total,
		Indexed: res.Indexed,
		Deleted: res.Deleted,
	}
	if partial := res.Partial(); partial != nil {
		resp.Warning = partial.Error()
	}
	return c.JSON(resp)
}

// HandleDeleteNote removes a note's entries from the index. The note itself
// may already be gone from the store.
func (h *IndexHandler) HandleDeleteNote(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return ErrInvalidID()
	}

	if err := h.indexer.DeleteNote(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
