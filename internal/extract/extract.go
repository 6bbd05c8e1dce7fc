// Package extract pulls raw page text out of PDF and EPUB documents.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
)

// Format identifies a supported document container.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatEPUB Format = "epub"
)

// ErrExtraction matches every *ExtractionError via errors.Is.
var ErrExtraction = errors.New("extraction failed")

// ErrUnsupportedFormat is wrapped when the input is neither PDF nor EPUB.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ExtractionError reports corrupt or unreadable input. It is fatal to the
// ingestion of the document.
type ExtractionError struct {
	Format Format
	Page   int // -1 when the failure is not tied to a page
	Err    error
}

func (e *ExtractionError) Error() string {
	where := string(e.Format)
	if where == "" {
		where = "document"
	}
	if e.Page >= 0 {
		return fmt.Sprintf("extracting %s page %d: %v", where, e.Page, e.Err)
	}
	return fmt.Sprintf("extracting %s: %v", where, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// Page is the raw text of one page. For EPUB a page is one spine item.
type Page struct {
	Index int
	Text  string
}

// Document is an opened, parsed document ready for page iteration.
type Document interface {
	Format() Format
	Title() string
	NumPages() int
	// PageText returns the raw text of the zero-based page i.
	PageText(i int) (string, error)
}

// Open parses data as the given format.
func Open(data []byte, format Format) (Document, error) {
	switch format {
	case FormatPDF:
		return openPDF(data)
	case FormatEPUB:
		return openEPUB(data)
	default:
		return nil, &ExtractionError{Format: format, Page: -1, Err: ErrUnsupportedFormat}
	}
}

// Pages yields each page of doc in order. Iteration stops after the first
// error, which is always an *ExtractionError or the context error. Calling
// Pages again restarts from the first page.
func Pages(ctx context.Context, doc Document) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for i := 0; i < doc.NumPages(); i++ {
			if err := ctx.Err(); err != nil {
				yield(Page{Index: i}, err)
				return
			}
			text, err := doc.PageText(i)
			if err != nil {
				var ee *ExtractionError
				if !errors.As(err, &ee) {
					err = &ExtractionError{Format: doc.Format(), Page: i, Err: err}
				}
				yield(Page{Index: i}, err)
				return
			}
			if !yield(Page{Index: i, Text: text}, nil) {
				return
			}
		}
	}
}

var (
	pdfMagic  = []byte("%PDF-")
	zipMagic  = []byte("PK\x03\x04")
	epubMagic = []byte("mimetypeapplication/epub+zip")
)

// DetectFormat sniffs the content first and falls back to the file extension.
func DetectFormat(filename string, data []byte) (Format, error) {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if bytes.Contains(head, pdfMagic) {
		return FormatPDF, nil
	}
	if bytes.HasPrefix(data, zipMagic) && bytes.Contains(head, epubMagic) {
		return FormatEPUB, nil
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF, nil
	case ".epub":
		return FormatEPUB, nil
	}
	return "", &ExtractionError{Page: -1, Err: fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)}
}
