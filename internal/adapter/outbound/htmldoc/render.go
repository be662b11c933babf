// Package htmldoc turns documentation pages into Markdown or plain text.
package htmldoc

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/i2y/docsgate/internal/usecase"
)

// Renderer implements usecase.DocRenderer over golang.org/x/net/html.
type Renderer struct{}

var _ usecase.DocRenderer = Renderer{}

// New returns a Renderer.
func New() Renderer { return Renderer{} }

var blankLines = regexp.MustCompile(`\n{3,}`)

// skipped elements never contribute output.
var skipped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Button:   true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Template: true,
}

// Markdown renders the page's main content as Markdown.
func (Renderer) Markdown(src string) (string, error) {
	root, err := parse(src)
	if err != nil {
		return "", err
	}
	w := &writer{markdown: true}
	w.walk(root)
	return w.result(), nil
}

// Text renders the page's main content as plain text.
func (Renderer) Text(src string) (string, error) {
	root, err := parse(src)
	if err != nil {
		return "", err
	}
	w := &writer{}
	w.walk(root)
	return w.result(), nil
}

func parse(src string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	if main := findMain(doc); main != nil {
		return main, nil
	}
	return doc, nil
}

// findMain locates the documentation body: #main-content, then <main>.
func findMain(doc *html.Node) *html.Node {
	var byID, byTag *html.Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if byID != nil {
			return
		}
		if n.Type == html.ElementNode {
			if attr(n, "id") == "main-content" {
				byID = n
				return
			}
			if n.DataAtom == atom.Main && byTag == nil {
				byTag = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	if byID != nil {
		return byID
	}
	return byTag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

type writer struct {
	markdown bool
	b        strings.Builder
	inPre    bool
	glue     bool
	pending  bool
	listPath []atom.Atom
}

func (w *writer) result() string {
	out := blankLines.ReplaceAllString(w.b.String(), "\n\n")
	return strings.TrimSpace(out)
}

func (w *writer) text(s string) {
	if w.inPre {
		w.b.WriteString(s)
		return
	}
	if s == "" {
		return
	}
	words := strings.Fields(s)
	if len(words) == 0 {
		w.pending = true
		return
	}
	if isSpace(s[0]) {
		w.pending = true
	}
	w.flush()
	w.b.WriteString(strings.Join(words, " "))
	w.pending = isSpace(s[len(s)-1])
}

// open writes an inline opening mark; the following text attaches to it.
func (w *writer) open(mark string) {
	w.flush()
	w.b.WriteString(mark)
	w.glue = true
}

// flush emits a collapsed space owed by previous whitespace, unless the
// output is at a line start or right after an opening mark.
func (w *writer) flush() {
	if w.pending && !w.glue {
		cur := w.b.String()
		if cur != "" && !strings.HasSuffix(cur, " ") && !strings.HasSuffix(cur, "\n") {
			w.b.WriteByte(' ')
		}
	}
	w.pending = false
	w.glue = false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r' || c == '\f'
}

func (w *writer) block() {
	w.glue, w.pending = false, false
	cur := w.b.String()
	if cur == "" || strings.HasSuffix(cur, "\n\n") {
		return
	}
	if strings.HasSuffix(cur, "\n") {
		w.b.WriteByte('\n')
		return
	}
	w.b.WriteString("\n\n")
}

func (w *writer) line() {
	w.glue, w.pending = false, false
	cur := w.b.String()
	if cur != "" && !strings.HasSuffix(cur, "\n") {
		w.b.WriteByte('\n')
	}
}

func (w *writer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *writer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.DocumentNode:
		w.children(n)
		return
	case html.ElementNode:
	default:
		return
	}
	if skipped[n.DataAtom] {
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.block()
		if w.markdown {
			level := int(n.Data[1] - '0')
			w.b.WriteString(strings.Repeat("#", level) + " ")
		}
		w.children(n)
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Table, atom.Details, atom.Summary, atom.Dl:
		w.block()
		w.children(n)
		w.block()
	case atom.Pre:
		w.block()
		if w.markdown {
			w.b.WriteString("```rust\n")
		}
		w.inPre = true
		w.children(n)
		w.inPre = false
		w.line()
		if w.markdown {
			w.b.WriteString("```")
		}
		w.block()
	case atom.Code:
		if w.markdown && !w.inPre {
			w.open("`")
			w.children(n)
			w.b.WriteString("`")
			return
		}
		w.children(n)
	case atom.A:
		href := attr(n, "href")
		if !w.markdown || href == "" || w.inPre || strings.HasPrefix(href, "#") {
			w.children(n)
			return
		}
		w.open("[")
		w.children(n)
		w.b.WriteString("](" + href + ")")
	case atom.Strong, atom.B:
		if w.markdown {
			w.open("**")
			w.children(n)
			w.b.WriteString("**")
			return
		}
		w.children(n)
	case atom.Em, atom.I:
		if w.markdown {
			w.open("*")
			w.children(n)
			w.b.WriteString("*")
			return
		}
		w.children(n)
	case atom.Ul, atom.Ol:
		w.block()
		w.listPath = append(w.listPath, n.DataAtom)
		w.children(n)
		w.listPath = w.listPath[:len(w.listPath)-1]
		w.block()
	case atom.Li:
		w.line()
		depth := len(w.listPath)
		if depth > 0 {
			w.b.WriteString(strings.Repeat("  ", depth-1))
		}
		w.b.WriteString("- ")
		w.children(n)
		w.line()
	case atom.Tr, atom.Dt, atom.Dd:
		w.line()
		w.children(n)
		w.line()
	case atom.Br:
		w.b.WriteByte('\n')
	case atom.Hr:
		w.block()
		if w.markdown {
			w.b.WriteString("---")
		}
		w.block()
	default:
		w.children(n)
	}
}
