package model

import (
	"context"
	"fmt"
	"log"
	"strings"

	"notesrag/config"
	"notesrag/types"
)

// Embedder turns text into a vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	ModelName() string
}

// NewEmbedder creates the embedder for cfg.Provider.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	var emb Embedder
	switch cfg.Provider {
	case "ollama":
		emb = NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Dimensions)
	case "openai":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.URL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		emb = e
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	log.Printf("[EMBEDDER] %s embeddings, model %s (%d dims)", cfg.Provider, emb.ModelName(), emb.Dimensions())

	if cfg.RateLimit > 0 {
		emb = NewLimited(emb, cfg.RateLimit, cfg.Burst)
	}
	return emb, nil
}

// CheckDimensions asks the model for one vector and compares its size.
func CheckDimensions(ctx context.Context, emb Embedder) error {
	vec, err := emb.Embed(ctx, "dimension check")
	if err != nil {
		return err
	}
	return checkDimensions(vec, emb.Dimensions())
}

func checkInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return types.ErrEmptyInput
	}
	return nil
}

func checkDimensions(vec []float32, want int) error {
	if len(vec) != want {
		return types.DimensionError("embedding", len(vec), want)
	}
	return nil
}
