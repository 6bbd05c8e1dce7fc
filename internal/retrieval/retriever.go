package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrRetrievalFailed is returned when the query cannot be embedded, the
// search fails, or nothing relevant enough is found.
var ErrRetrievalFailed = errors.New("retrieval failed")

const (
	DefaultTopK      = 3
	DefaultThreshold = 0.8
)

// Retriever combines embedding and vector search to find the passages of
// one book that are relevant to a query.
type Retriever struct {
	embedder  *Embedder
	store     Searcher
	topK      int
	threshold float32
	logger    *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTopK caps the number of passages returned.
func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithThreshold sets the minimum cosine similarity for a passage to count.
func WithThreshold(t float32) Option {
	return func(r *Retriever) { r.threshold = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetriever creates a Retriever backed by the given Embedder and Searcher.
func NewRetriever(embedder *Embedder, store Searcher, opts ...Option) *Retriever {
	r := &Retriever{
		embedder:  embedder,
		store:     store,
		topK:      DefaultTopK,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "retriever")
	return r
}

// Search embeds the query and returns the closest passages of the user's
// book, closest first. An empty result is not an error here.
func (r *Retriever) Search(ctx context.Context, query, userID, bookID string) ([]ScoredPassage, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}

	scored, err := r.store.Search(ctx, vec, r.topK, Filter{UserID: userID, BookID: bookID, MinScore: r.threshold})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	return scored, nil
}

// Passages returns the text of the relevant passages, closest first.
// No match above the threshold yields ErrRetrievalFailed.
func (r *Retriever) Passages(ctx context.Context, query, userID, bookID string) ([]string, error) {
	scored, err := r.Search(ctx, query, userID, bookID)
	if err != nil {
		r.logger.Warn("passage search failed", "book_id", bookID, "error", err)
		return nil, err
	}
	if len(scored) == 0 {
		r.logger.Debug("no passages above threshold", "book_id", bookID, "threshold", r.threshold)
		return nil, ErrRetrievalFailed
	}

	texts := make([]string, len(scored))
	for i, s := range scored {
		texts[i] = s.Text
	}
	return texts, nil
}
