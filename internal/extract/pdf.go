package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

type pdfDocument struct {
	reader *pdf.Reader
	pages  int
	title  string
}

func openPDF(data []byte) (doc Document, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = &ExtractionError{Format: FormatPDF, Page: -1, Err: fmt.Errorf("malformed pdf: %v", r)}
		}
	}()

	br := bytes.NewReader(data)
	r, err := pdf.NewReader(br, br.Size())
	if err != nil {
		return nil, &ExtractionError{Format: FormatPDF, Page: -1, Err: err}
	}

	d := &pdfDocument{reader: r, pages: r.NumPage()}
	if trailer := r.Trailer(); !trailer.IsNull() {
		if info := trailer.Key("Info"); !info.IsNull() {
			if title := info.Key("Title"); !title.IsNull() {
				d.title = strings.TrimSpace(title.Text())
			}
		}
	}
	return d, nil
}

func (d *pdfDocument) Format() Format { return FormatPDF }
func (d *pdfDocument) Title() string  { return d.title }
func (d *pdfDocument) NumPages() int  { return d.pages }

func (d *pdfDocument) PageText(i int) (text string, err error) {
	if i < 0 || i >= d.pages {
		return "", &ExtractionError{Format: FormatPDF, Page: i, Err: fmt.Errorf("page out of range")}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Format: FormatPDF, Page: i, Err: fmt.Errorf("malformed page: %v", r)}
		}
	}()

	// Page numbers are 1-based in the reader.
	page := d.reader.Page(i + 1)
	if page.V.IsNull() {
		return "", nil
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", &ExtractionError{Format: FormatPDF, Page: i, Err: err}
	}
	return text, nil
}
