package retrieval

import (
	"context"
	"time"
)

// Searcher finds the passages closest to a query vector.
type Searcher interface {
	// Search returns at most topK passages matching filter, closest first.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]ScoredPassage, error)
}

// VectorStore is the passage storage backend used for indexing and search.
// The current implementation uses SQLite with brute-force cosine similarity,
// which is adequate for the passage count of a personal library.
type VectorStore interface {
	Searcher

	// Insert adds passages with their embeddings.
	Insert(ctx context.Context, passages []Passage) error

	// DeleteBook removes every passage of a book.
	DeleteBook(ctx context.Context, bookID string) error

	// Count returns the number of passages matching filter. MinScore is ignored.
	Count(ctx context.Context, filter Filter) (int, error)
}

// Passage is one indexed paragraph of a book.
type Passage struct {
	ID        string
	BookID    string
	UserID    string
	Page      int
	Text      string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredPassage is a Passage with its cosine similarity to the query.
type ScoredPassage struct {
	Passage
	Score float32
}

// Filter scopes a search. Empty UserID or BookID match everything.
type Filter struct {
	UserID   string
	BookID   string
	MinScore float32
}
