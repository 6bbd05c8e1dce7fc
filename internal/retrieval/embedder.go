package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbeddingClient produces embedding vectors. *ollama.Client satisfies it.
type EmbeddingClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// BatchEmbeddingClient embeds many texts in one request. *ollama.Client
// satisfies it; EmbedBatch prefers it over concurrent single requests.
type BatchEmbeddingClient interface {
	EmbeddingClient
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Embedder binds an EmbeddingClient to one model.
type Embedder struct {
	client EmbeddingClient
	model  string
}

// NewEmbedder creates an Embedder using the given client and model name.
func NewEmbedder(c EmbeddingClient, model string) *Embedder {
	return &Embedder{client: c, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for texts in input order.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if bc, ok := e.client.(BatchEmbeddingClient); ok {
		vecs, err := bc.EmbedMany(ctx, e.model, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
		}
		return vecs, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming Ollama.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.client.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
