package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/lectern/internal/extract"
	"github.com/kalambet/lectern/internal/progress"
	"github.com/kalambet/lectern/internal/segment"
	"github.com/kalambet/lectern/internal/storage"
)

// BookStore is the subset of storage the pipeline updates.
type BookStore interface {
	SetBookStatus(id, status, lastError string) error
	SetBookMeta(id, title string, pageCount int) error
}

// PassageRemover drops passages left over from an earlier run of a book.
type PassageRemover interface {
	DeleteBook(ctx context.Context, bookID string) error
}

// Pipeline runs one book through extraction, segmentation and indexing.
type Pipeline struct {
	books    BookStore
	passages PassageRemover
	indexer  *Indexer
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. passages may be nil.
func NewPipeline(books BookStore, passages PassageRemover, indexer *Indexer) *Pipeline {
	return &Pipeline{
		books:    books,
		passages: passages,
		indexer:  indexer,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Run ingests book, reporting progress on rep. The book status moves to
// processing, then to ready or failed. Paragraphs that fail to index are
// counted in Summary.Failed and never retried; the book is ready even when
// all of them failed. When ctx is cancelled the book is put back to queued
// and ctx.Err() is returned.
func (p *Pipeline) Run(ctx context.Context, book storage.Book, rep *progress.Reporter) (Summary, error) {
	// The bytes are already stored by the time a job runs.
	rep.Update(progress.StageUpload, 1)

	if err := p.books.SetBookStatus(book.ID, storage.BookProcessing, ""); err != nil {
		return Summary{}, fmt.Errorf("marking book processing: %w", err)
	}

	paras, err := p.parse(ctx, book, rep)
	if err != nil {
		return Summary{}, p.stop(ctx, book.ID, rep, err)
	}

	if p.passages != nil {
		if err := p.passages.DeleteBook(ctx, book.ID); err != nil {
			return Summary{}, p.stop(ctx, book.ID, rep, fmt.Errorf("clearing old passages: %w", err))
		}
	}

	if len(paras) == 0 {
		rep.Paragraphs(0, 0)
	}
	sum, err := p.indexer.Index(ctx, book.ID, book.UserID, paras, rep.Paragraphs)
	rep.SetFailed(sum.Failed)
	if err != nil {
		return sum, p.stop(ctx, book.ID, rep, err)
	}

	if err := p.books.SetBookStatus(book.ID, storage.BookReady, ""); err != nil {
		return sum, fmt.Errorf("marking book ready: %w", err)
	}
	rep.Finish()

	if sum.Total > 0 && sum.Failed == sum.Total {
		p.logger.Warn("no paragraph indexed", "book_id", book.ID, "paragraphs", sum.Total)
	}
	p.logger.Info("book indexed",
		"book_id", book.ID, "paragraphs", sum.Total, "failed", sum.Failed, "batches", sum.Batches)
	return sum, nil
}

func (p *Pipeline) parse(ctx context.Context, book storage.Book, rep *progress.Reporter) ([]segment.Paragraph, error) {
	format := extract.Format(book.Format)
	if format == "" {
		f, err := extract.DetectFormat(book.Filename, book.Content)
		if err != nil {
			return nil, err
		}
		format = f
	}

	doc, err := extract.Open(book.Content, format)
	if err != nil {
		return nil, err
	}
	if err := p.books.SetBookMeta(book.ID, doc.Title(), doc.NumPages()); err != nil {
		return nil, fmt.Errorf("saving book metadata: %w", err)
	}

	rep.Update(progress.StageParse, 0)
	n := doc.NumPages()
	var paras []segment.Paragraph
	for page, err := range extract.Pages(ctx, doc) {
		if err != nil {
			return nil, err
		}
		paras = append(paras, segment.Page(page.Index, page.Text)...)
		rep.Update(progress.StageParse, float64(page.Index+1)/float64(n))
	}
	rep.Update(progress.StageParse, 1)
	return paras, nil
}

// stop records the terminal state for err and returns it. Cancellation puts
// the book back in the queue instead of failing it.
func (p *Pipeline) stop(ctx context.Context, bookID string, rep *progress.Reporter, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if serr := p.books.SetBookStatus(bookID, storage.BookQueued, ""); serr != nil {
			p.logger.Error("failed to requeue book", "book_id", bookID, "error", serr)
		}
		return err
	}

	if serr := p.books.SetBookStatus(bookID, storage.BookFailed, err.Error()); serr != nil {
		p.logger.Error("failed to mark book failed", "book_id", bookID, "error", serr)
	}
	rep.Fail(err)
	return err
}
