// Package ingest turns stored books into indexed passages.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lectern/internal/retrieval"
	"github.com/kalambet/lectern/internal/segment"
)

const (
	// DefaultBatchSize is how many paragraphs are dispatched together.
	DefaultBatchSize = 9
	// DefaultBatchDelay is the pause between two batches.
	DefaultBatchDelay = 40 * time.Millisecond
)

// Dispatcher embeds and stores one passage.
type Dispatcher interface {
	Dispatch(ctx context.Context, p retrieval.Passage) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, p retrieval.Passage) error

func (f DispatchFunc) Dispatch(ctx context.Context, p retrieval.Passage) error { return f(ctx, p) }

// Outcome is the result of dispatching one paragraph. Err is nil on success.
type Outcome struct {
	Paragraph segment.Paragraph
	Err       error
}

// Summary describes a finished or interrupted Index call.
type Summary struct {
	Total     int
	Attempted int
	Failed    int
	Batches   int
	Outcomes  []Outcome // in paragraph order, only for attempted paragraphs
}

// Indexer dispatches paragraphs in fixed-size batches. Paragraphs within a
// batch run concurrently; batches run one after another with a pause
// between them to keep the embedding backend from being flooded.
type Indexer struct {
	dispatcher Dispatcher
	batchSize  int
	delay      time.Duration
	logger     *slog.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithBatchSize sets the number of paragraphs dispatched together. Values
// below 1 are ignored.
func WithBatchSize(n int) IndexerOption {
	return func(x *Indexer) {
		if n >= 1 {
			x.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between batches. Negative values are ignored.
func WithBatchDelay(d time.Duration) IndexerOption {
	return func(x *Indexer) {
		if d >= 0 {
			x.delay = d
		}
	}
}

// WithLogger sets the logger for per-paragraph failures. nil is ignored.
func WithLogger(l *slog.Logger) IndexerOption {
	return func(x *Indexer) {
		if l != nil {
			x.logger = l
		}
	}
}

// NewIndexer creates an Indexer with DefaultBatchSize and DefaultBatchDelay.
func NewIndexer(d Dispatcher, opts ...IndexerOption) *Indexer {
	x := &Indexer{
		dispatcher: d,
		batchSize:  DefaultBatchSize,
		delay:      DefaultBatchDelay,
		logger:     slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Index dispatches paras for the given book and user. A failed paragraph is
// logged and recorded in the summary but never stops the run or gets
// retried. onBatch, when non-nil, is called after every batch with the
// number of paragraphs attempted so far.
//
// ctx is checked before each batch. When it is done, the remaining batches
// are skipped and the partial summary is returned with ctx.Err().
// Dispatches already in flight run to completion.
func (x *Indexer) Index(ctx context.Context, bookID, userID string, paras []segment.Paragraph, onBatch func(attempted, total int)) (Summary, error) {
	sum := Summary{Total: len(paras)}

	for start := 0; start < len(paras); start += x.batchSize {
		if start > 0 && x.delay > 0 {
			t := time.NewTimer(x.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return sum, ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		end := min(start+x.batchSize, len(paras))
		batch := paras[start:end]
		outcomes := make([]Outcome, len(batch))

		// Failures are collected per paragraph, so the group never cancels.
		var g errgroup.Group
		for i, p := range batch {
			g.Go(func() error {
				err := x.dispatcher.Dispatch(ctx, retrieval.Passage{
					BookID: bookID,
					UserID: userID,
					Page:   p.Page,
					Text:   p.Text,
				})
				outcomes[i] = Outcome{Paragraph: p, Err: err}
				return nil
			})
		}
		g.Wait()

		for _, o := range outcomes {
			if o.Err != nil {
				sum.Failed++
				x.logger.Warn("paragraph not indexed",
					"book_id", bookID, "page", o.Paragraph.Page, "paragraph", o.Paragraph.Index, "error", o.Err)
			}
		}
		sum.Outcomes = append(sum.Outcomes, outcomes...)
		sum.Attempted = end
		sum.Batches++

		if onBatch != nil {
			onBatch(sum.Attempted, sum.Total)
		}
	}
	return sum, nil
}
