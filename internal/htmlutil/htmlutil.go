// Package htmlutil extracts taggable text from HTML documents.
package htmlutil

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/famasya/neural-sequence-labeling/internal/textutil"
)

// LoadHTML parses HTML into a goquery Document.
func LoadHTML(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

// LoadHTMLString parses an HTML string into a goquery Document.
func LoadHTMLString(htmlStr string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
}

// skipped elements never contribute text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
}

// block elements end the current text block.
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Br: true, atom.Hr: true, atom.Tr: true, atom.Td: true, atom.Th: true,
	atom.Table: true, atom.Section: true, atom.Article: true, atom.Header: true,
	atom.Footer: true, atom.Nav: true, atom.Aside: true, atom.Blockquote: true,
	atom.Pre: true, atom.Dd: true, atom.Dt: true, atom.Figcaption: true,
	atom.Form: true, atom.Main: true, atom.Body: true,
}

// Title returns the normalized document title.
func Title(doc *goquery.Document) string {
	return textutil.NormalizeWhitespaces(strings.TrimSpace(doc.Find("title").First().Text()))
}

// TextBlocks returns the visible text of the document's body, one entry per
// block-level element, whitespace-normalized. Empty blocks are dropped.
func TextBlocks(doc *goquery.Document) []string {
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var blocks []string
	var buf strings.Builder
	flush := func() {
		s := textutil.NormalizeWhitespaces(strings.TrimSpace(buf.String()))
		if s != "" {
			blocks = append(blocks, s)
		}
		buf.Reset()
	}

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			buf.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped[n.DataAtom] {
				return
			}
			if block[n.DataAtom] {
				flush()
				defer flush()
			} else {
				// inline elements still separate words
				defer buf.WriteByte(' ')
			}
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for _, n := range root.Nodes {
		visit(n)
	}
	flush()
	return blocks
}

// Text returns the text blocks joined by newlines.
func Text(doc *goquery.Document) string {
	return strings.Join(TextBlocks(doc), "\n")
}
