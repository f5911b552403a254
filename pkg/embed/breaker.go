package embed

import (
	"context"

	"github.com/AgriFixAI/agrifix-mvp/pkg/resilience"
)

// breakerEmbedder wraps an Embedder with a circuit breaker so a struggling
// provider is backed off instead of hammered.
type breakerEmbedder struct {
	inner   Embedder
	breaker *resilience.Breaker
}

// WithBreaker wraps e with a circuit breaker. A nil breaker returns e
// unchanged.
func WithBreaker(e Embedder, b *resilience.Breaker) Embedder {
	if b == nil {
		return e
	}
	return &breakerEmbedder{inner: e, breaker: b}
}

func (b *breakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

func (b *breakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.inner.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}
