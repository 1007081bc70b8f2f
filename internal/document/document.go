// Package document loads executable pages: HTML documents carrying code
// cells and widget mounts. A page is ordinary HTML; its cells live in
// script tags the browser ignores, so the same file renders statically
// and runs interactively.
package document

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// MaxDocumentSize limits page input to 10MB to prevent memory exhaustion.
const MaxDocumentSize = 10 * 1024 * 1024

// CellType is the script MIME type marking an executable cell.
const CellType = "application/x-stoker"

// Document is one parsed page.
type Document struct {
	Path     string
	Title    string
	Headings []string
	Cells    []Cell
	Widgets  []Mount
}

// Cell is one executable code block, in page order.
type Cell struct {
	ID       string
	Language string
	Code     string
}

// Mount is an element waiting for widget output.
type Mount struct {
	Ref  string
	Kind string
}

// Load reads and parses a page from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// Parse extracts cells, widget mounts, and outline from page bytes.
// Input charset is detected and converted before parsing.
func Parse(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if len(data) > MaxDocumentSize {
		return nil, fmt.Errorf("document exceeds maximum size of %d bytes", MaxDocumentSize)
	}

	page, err := loadHTML(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Title: strings.TrimSpace(page.Find("title").First().Text()),
	}

	page.Find(`script[type="` + CellType + `"]`).Each(func(i int, sel *goquery.Selection) {
		cell := Cell{
			ID:       sel.AttrOr("data-cell", fmt.Sprintf("cell-%d", i+1)),
			Language: sel.AttrOr("data-language", ""),
			Code:     strings.TrimSpace(sel.Text()),
		}
		doc.Cells = append(doc.Cells, cell)
	})

	page.Find("[data-widget-ref]").Each(func(_ int, sel *goquery.Selection) {
		doc.Widgets = append(doc.Widgets, Mount{
			Ref:  sel.AttrOr("data-widget-ref", ""),
			Kind: sel.AttrOr("data-widget-kind", ""),
		})
	})

	doc.Headings = extractHeadings(data)

	return doc, nil
}

// DetectCharset detects and returns charset from page bytes.
func DetectCharset(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

// loadHTML parses with automatic charset conversion.
func loadHTML(data []byte) (*goquery.Document, error) {
	detected := DetectCharset(data)

	utf8Reader, err := charset.NewReader(bytes.NewReader(data), detected)
	if err != nil {
		// Fallback to direct parsing
		return goquery.NewDocumentFromReader(bytes.NewReader(data))
	}
	return goquery.NewDocumentFromReader(utf8Reader)
}

// extractHeadings pulls h1/h2 text for the document outline.
func extractHeadings(data []byte) []string {
	node, err := htmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	var headings []string
	for _, n := range htmlquery.Find(node, "//h1|//h2") {
		if text := extractText(n); text != "" {
			headings = append(headings, text)
		}
	}
	return headings
}

// extractText safely extracts text from node.
func extractText(n *html.Node) string {
	var buf bytes.Buffer
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.TrimSpace(buf.String())
}
