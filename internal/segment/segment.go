// Package segment splits extracted page text into paragraphs.
package segment

import (
	"regexp"
	"strings"
)

// blankRun matches a paragraph boundary: two or more newlines, with any
// whitespace between and around them.
var blankRun = regexp.MustCompile(`[^\S\n]*\n(?:[^\S\n]*\n)+\s*`)

// Paragraph is a non-empty run of text from one page.
type Paragraph struct {
	Page  int    // zero-based page index
	Index int    // position within the page
	Text  string
}

// Split breaks text on blank-line boundaries and returns the trimmed,
// non-empty pieces in input order.
func Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	parts := blankRun.Split(normalized, -1)

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Page segments the text of a single page, tagging each paragraph with its
// page index and position.
func Page(page int, text string) []Paragraph {
	parts := Split(text)
	if len(parts) == 0 {
		return nil
	}
	paras := make([]Paragraph, len(parts))
	for i, p := range parts {
		paras[i] = Paragraph{Page: page, Index: i, Text: p}
	}
	return paras
}

// Texts returns the text of each paragraph, preserving order.
func Texts(paras []Paragraph) []string {
	out := make([]string, len(paras))
	for i, p := range paras {
		out[i] = p.Text
	}
	return out
}
