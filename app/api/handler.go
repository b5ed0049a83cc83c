package api

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"notesrag/types"
)

// Searcher is implemented by search.Engine.
type Searcher interface {
	Search(ctx context.Context, query, userID string, topK int) ([]types.SearchMatch, error)
	SearchNotes(ctx context.Context, query, userID string, topK int) ([]types.NoteHit, error)
	Similar(ctx context.Context, noteID string, topK int) ([]types.SearchMatch, error)
}

type SearchHandler struct {
	engine Searcher
	logger *slog.Logger
}

func NewSearchHandler(engine Searcher) *SearchHandler {
	return &SearchHandler{
		engine: engine,
		logger: slog.Default().With("component", "api"),
	}
}

func (h *SearchHandler) parseSearch(c *fiber.Ctx) (*types.SearchParams, error) {
	var params types.SearchParams
	if c.BodyParser(&params) != nil {
		return nil, ErrBadRequest()
	}

	if errors := types.Validate(&params); len(errors) > 0 {
		return nil, types.NewValidationError(errors)
	}
	return &params, nil
}

// HandleSearch returns the best matching notes as id, score and title.
func (h *SearchHandler) HandleSearch(c *fiber.Ctx) error {
	params, err := h.parseSearch(c)
	if err != nil {
		return err
	}

	matches, err := h.engine.Search(c.UserContext(), params.Query, params.UserID, params.TopK)
	if err != nil {
		return err
	}
	h.logger.Debug("search", "user_id", params.UserID, "results", len(matches))
	return c.JSON(matches)
}

// HandleSearchNotes returns the best matching notes in full.
func (h *SearchHandler) HandleSearchNotes(c *fiber.Ctx) error {
	params, err := h.parseSearch(c)
	if err != nil {
		return err
	}

	hits, err := h.engine.SearchNotes(c.UserContext(), params.Query, params.UserID, params.TopK)
	if err != nil {
		return err
	}
	return c.JSON(hits)
}

// HandleSimilar returns notes resembling the note in the path.
func (h *SearchHandler) HandleSimilar(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return ErrInvalidID()
	}

	var params types.SimilarParams
	if err := c.QueryParser(&params); err != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return types.NewValidationError(errors)
	}

	matches, err := h.engine.Similar(c.UserContext(), id, params.TopK)
	if err != nil {
		return err
	}
	return c.JSON(matches)
}
