package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PassageIndexer embeds a single passage and stores it.
type PassageIndexer struct {
	embedder *Embedder
	store    VectorStore
}

func NewPassageIndexer(embedder *Embedder, store VectorStore) *PassageIndexer {
	return &PassageIndexer{embedder: embedder, store: store}
}

// Dispatch embeds p.Text and inserts the passage. p.ID is generated when empty.
func (x *PassageIndexer) Dispatch(ctx context.Context, p Passage) error {
	vec, err := x.embedder.Embed(ctx, p.Text)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Embedding = vec
	if err := x.store.Insert(ctx, []Passage{p}); err != nil {
		return fmt.Errorf("storing passage: %w", err)
	}
	return nil
}
