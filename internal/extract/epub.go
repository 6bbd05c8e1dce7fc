package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// containerXML is META-INF/container.xml.
type containerXML struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

// packageXML is the OPF package document.
type packageXML struct {
	Titles   []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"spine>itemref"`
}

type epubDocument struct {
	files map[string]*zip.File
	spine []string // zip paths in reading order
	title string
}

func openEPUB(data []byte) (Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: err}
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	raw, err := readZipFile(files, "META-INF/container.xml")
	if err != nil {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: err}
	}
	var container containerXML
	if err := xml.Unmarshal(raw, &container); err != nil {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: fmt.Errorf("parsing container.xml: %w", err)}
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: errors.New("container.xml names no package document")}
	}

	opfPath := container.Rootfiles[0].FullPath
	raw, err = readZipFile(files, opfPath)
	if err != nil {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: err}
	}
	var pkg packageXML
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: fmt.Errorf("parsing %s: %w", opfPath, err)}
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if isHTMLMediaType(item.MediaType) {
			hrefs[item.ID] = item.Href
		}
	}

	base := path.Dir(opfPath)
	d := &epubDocument{files: files}
	if len(pkg.Titles) > 0 {
		d.title = strings.TrimSpace(pkg.Titles[0])
	}
	for _, ref := range pkg.Spine {
		if ref.Linear == "no" {
			continue
		}
		href, ok := hrefs[ref.IDRef]
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		d.spine = append(d.spine, path.Join(base, href))
	}
	if len(d.spine) == 0 {
		return nil, &ExtractionError{Format: FormatEPUB, Page: -1, Err: errors.New("spine has no readable items")}
	}
	return d, nil
}

func (d *epubDocument) Format() Format { return FormatEPUB }
func (d *epubDocument) Title() string  { return d.title }
func (d *epubDocument) NumPages() int  { return len(d.spine) }

func (d *epubDocument) PageText(i int) (string, error) {
	if i < 0 || i >= len(d.spine) {
		return "", &ExtractionError{Format: FormatEPUB, Page: i, Err: errors.New("page out of range")}
	}
	raw, err := readZipFile(d.files, d.spine[i])
	if err != nil {
		return "", &ExtractionError{Format: FormatEPUB, Page: i, Err: err}
	}
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", &ExtractionError{Format: FormatEPUB, Page: i, Err: fmt.Errorf("parsing %s: %w", d.spine[i], err)}
	}
	return htmlText(root), nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

func isHTMLMediaType(mt string) bool {
	return mt == "application/xhtml+xml" || mt == "text/html"
}

// blockElements end a paragraph in the extracted text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Blockquote: true, atom.Pre: true, atom.Tr: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Dd: true, atom.Dt: true,
	atom.Figcaption: true, atom.Aside: true, atom.Header: true, atom.Footer: true,
}

var spaceRun = regexp.MustCompile(`\s+`)

var skipElements = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Title: true,
}

// htmlText renders the body text of an XHTML document with a blank line
// between block elements, so paragraphs survive segmentation.
func htmlText(root *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(spaceRun.ReplaceAllString(n.Data, " "))
			return
		case html.ElementNode:
			if skipElements[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Br {
				b.WriteByte('\n')
				return
			}
		}

		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			b.WriteString("\n\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteString("\n\n")
		}
	}
	walk(root)
	return tidyLines(b.String())
}

// tidyLines trims each line and collapses runs of blank lines to one.
func tidyLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, l)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
