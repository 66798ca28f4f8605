package element

import (
	"sort"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
)

// Options tunes snapshot construction.
type Options struct {
	// MaxTextLength caps Snapshot.Text, in runes.
	MaxTextLength int
	// IdentityTextLength caps the text folded into the identity, in runes.
	IdentityTextLength int
	// ViewportHeight is the fold used by the in-viewport priority bonus.
	ViewportHeight float64
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{MaxTextLength: 100, IdentityTextLength: 32, ViewportHeight: 900}
}

// Builder converts live nodes into snapshots.
type Builder struct {
	opts Options
	now  func() time.Time
}

// NewBuilder returns a Builder with opts; zero fields take defaults.
func NewBuilder(opts Options) *Builder {
	def := DefaultOptions()
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = def.MaxTextLength
	}
	if opts.IdentityTextLength <= 0 {
		opts.IdentityTextLength = def.IdentityTextLength
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = def.ViewportHeight
	}
	return &Builder{opts: opts, now: time.Now}
}

// Build snapshots n if it passes the relevance filter. t may be nil, in which
// case no host layout is consulted. Must be called inside Document.View.
func (b *Builder) Build(t document.Tree, n *html.Node) (*Snapshot, bool) {
	if n == nil || n.Type != html.ElementNode {
		return nil, false
	}
	s := b.Snapshot(t, n)
	if !s.Relevant() {
		return nil, false
	}
	return s, true
}

// Snapshot builds a snapshot for any element node without filtering.
func (b *Builder) Snapshot(t document.Tree, n *html.Node) *Snapshot {
	tag := strings.ToLower(n.Data)
	attrs := make(Attributes, len(n.Attr))
	for _, a := range n.Attr {
		attrs[strings.ToLower(a.Key)] = a.Val
	}
	role := ResolveRole(tag, attrs)
	text := truncateRunes(label(n, tag, attrs), b.opts.MaxTextLength)

	s := &Snapshot{
		Tag:          tag,
		Attributes:   attrs,
		Role:         role,
		Text:         text,
		Selector:     UniqueXPath(n),
		Interactable: interactable(tag, attrs, role),
		Ancestry:     ancestry(n),
		LastSeen:     b.now(),
		Node:         n,
	}
	s.Identity = Fingerprint(tag, attrs, text, b.opts.IdentityTextLength)

	s.Visible = !hiddenByMarkup(n)
	if t != nil {
		if l, ok := t.Layout(n); ok {
			s.Geometry = l.Rect
			s.Visible = s.Visible && l.Visible
		}
	}
	s.Priority = Score(s, b.opts.ViewportHeight)
	return s
}

// label picks the text an agent would use to refer to the element.
func label(n *html.Node, tag string, attrs Attributes) string {
	var text string
	switch tag {
	case "input", "img", "select", "textarea", "video", "audio", "iframe":
	default:
		text = collapse(htmlquery.InnerText(n))
	}
	if text != "" {
		return text
	}
	for _, key := range []string{"aria-label", "alt", "placeholder", "title"} {
		if v := collapse(attrs[key]); v != "" {
			return v
		}
	}
	if tag == "input" && in(buttonInputs, strings.ToLower(attrs["type"])) {
		return collapse(attrs["value"])
	}
	return ""
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// ancestry collects the landmark contexts enclosing n.
func ancestry(n *html.Node) []string {
	seen := map[string]struct{}{}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if mark := landmark(p); mark != "" {
			seen[mark] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func landmark(n *html.Node) string {
	switch role := strings.ToLower(htmlquery.SelectAttr(n, "role")); role {
	case "navigation", "menubar", "tablist":
		return "nav"
	case "menu":
		return "menu"
	case "form", "search":
		return "form"
	case "dialog", "alertdialog":
		return "dialog"
	}
	switch tag := strings.ToLower(n.Data); tag {
	case "nav", "form", "menu", "dialog", "header", "footer", "aside", "main":
		return tag
	}
	return ""
}

// hiddenByMarkup walks up from n looking for markup that removes it from
// rendering: the hidden attribute, aria-hidden, or an inline display:none /
// visibility:hidden.
func hiddenByMarkup(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		for _, a := range p.Attr {
			switch strings.ToLower(a.Key) {
			case "hidden":
				return true
			case "aria-hidden":
				if strings.EqualFold(a.Val, "true") {
					return true
				}
			case "style":
				style := strings.ToLower(strings.ReplaceAll(a.Val, " ", ""))
				if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
					return true
				}
			case "type":
				if p == n && strings.EqualFold(p.Data, "input") && strings.EqualFold(a.Val, "hidden") {
					return true
				}
			}
		}
	}
	return false
}
