package docparse

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockKind discriminates the flattened document units the section walkers
// operate on.
type blockKind int

const (
	blockHeader blockKind = iota // section title
	blockRow                     // table row with data cells
	blockText                    // free-text block
)

// block is one flattened document unit in document order. The section
// walkers consume []block instead of the DOM so each extraction step stays
// a pure function over an explicit input.
type block struct {
	kind  blockKind
	text  string   // header title or text content
	cells []string // blockRow only: cell texts in order
}

var whitespaceRe = regexp.MustCompile(`[ \t\r\f\v]+`)

// nbspToSpace replaces non-breaking spaces with regular spaces. This runs
// before any matching, so a \xA0 label separator behaves like a space run.
func nbspToSpace(s string) string {
	return strings.ReplaceAll(s, " ", " ")
}

// normalizeSpace additionally collapses runs of horizontal whitespace.
// Used for titles, keys, and single-valued cells; free text keeps its
// internal spacing because the inline label strategy depends on it.
func normalizeSpace(s string) string {
	s = whitespaceRe.ReplaceAllString(nbspToSpace(s), " ")
	return strings.TrimSpace(s)
}

// cellText collects the visible text of a node, preserving line breaks
// between block-level children so inline "Label: Value" rows survive.
func cellText(sel *goquery.Selection) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			case atom.Br, atom.P, atom.Div, atom.Tr, atom.Li:
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	lines := strings.Split(sb.String(), "\n")
	var out []string
	for _, l := range lines {
		if t := strings.TrimSpace(nbspToSpace(l)); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n")
}

// flatten walks the parsed document and emits the ordered block list.
// Headers are h1–h6 elements, all-th table rows, and paragraphs whose
// entire text is bold. Rows are tr elements with td cells. Everything else
// with visible text becomes a text block.
func flatten(doc *goquery.Document) []block {
	var blocks []block
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	for _, n := range body.Nodes {
		flattenNode(n, &blocks)
	}
	return blocks
}

func flattenNode(n *html.Node, blocks *[]block) {
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return
	}
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Head:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			if t := normalizeSpace(textOf(n)); t != "" {
				*blocks = append(*blocks, block{kind: blockHeader, text: t})
			}
			return
		case atom.Tr:
			emitRow(n, blocks)
			return
		case atom.P:
			if t := boldOnlyText(n); t != "" {
				*blocks = append(*blocks, block{kind: blockHeader, text: t})
				return
			}
			if t := cellText(wrap(n)); t != "" {
				*blocks = append(*blocks, block{kind: blockText, text: t})
			}
			return
		}
		// Leaf-ish text containers become text blocks.
		if n.DataAtom == atom.Pre || n.DataAtom == atom.Blockquote {
			if t := cellText(wrap(n)); t != "" {
				*blocks = append(*blocks, block{kind: blockText, text: t})
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flattenNode(c, blocks)
	}
}

// emitRow turns a tr into a header block (all th cells) or a row block.
func emitRow(n *html.Node, blocks *[]block) {
	var cells []string
	allTH := true
	anyCell := false
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Th:
			anyCell = true
			cells = append(cells, cellText(wrap(c)))
		case atom.Td:
			anyCell = true
			allTH = false
			cells = append(cells, cellText(wrap(c)))
		}
	}
	if !anyCell {
		return
	}
	if allTH {
		if t := normalizeSpace(strings.Join(cells, " ")); t != "" {
			*blocks = append(*blocks, block{kind: blockHeader, text: t})
		}
		return
	}
	empty := true
	for _, c := range cells {
		if c != "" {
			empty = false
			break
		}
	}
	if !empty {
		*blocks = append(*blocks, block{kind: blockRow, cells: cells, text: normalizeSpace(strings.Join(cells, " "))})
	}
}

// boldOnlyText returns the text of a paragraph whose entire visible content
// is inside b/strong elements, or "" otherwise.
func boldOnlyText(n *html.Node) string {
	var bold, plain strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inBold bool) {
		if n.Type == html.TextNode {
			if inBold {
				bold.WriteString(n.Data)
			} else {
				plain.WriteString(n.Data)
			}
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.B || n.DataAtom == atom.Strong) {
			inBold = true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBold)
		}
	}
	walk(n, false)
	if normalizeSpace(plain.String()) != "" {
		return ""
	}
	return normalizeSpace(bold.String())
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func wrap(n *html.Node) *goquery.Selection {
	sel := new(goquery.Selection)
	sel.Nodes = []*html.Node{n}
	return sel
}
