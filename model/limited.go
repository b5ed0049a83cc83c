package model

import (
	"context"

	"golang.org/x/time/rate"
)

var _ Embedder = (*Limited)(nil)

// Limited caps the request rate of the wrapped embedder.
type Limited struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewLimited allows rps requests per second with the given burst.
func NewLimited(next Embedder, rps float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Embed(ctx, text)
}

func (l *Limited) Dimensions() int { return l.next.Dimensions() }

func (l *Limited) ModelName() string { return l.next.ModelName() }
