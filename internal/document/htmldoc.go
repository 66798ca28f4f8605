package document

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrDetached is returned when a mutation targets a node outside the tree.
var ErrDetached = errors.New("document: node is not attached to the tree")

const defaultChangeBuffer = 1024

// HTMLDocument is a Document backed by a golang.org/x/net/html tree. Every
// mutation method applies the change and publishes the matching Change the
// way a browser's mutation, intersection and resize observers would.
type HTMLDocument struct {
	mu      sync.RWMutex
	root    *html.Node
	layouts map[*html.Node]Layout
	tracked map[*html.Node]struct{}

	changes chan Change
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

// Option configures an HTMLDocument.
type Option func(*HTMLDocument)

// WithLogger sets the logger used for overflow warnings.
func WithLogger(l *zap.Logger) Option {
	return func(d *HTMLDocument) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithChangeBuffer sets the capacity of the change channel.
func WithChangeBuffer(n int) Option {
	return func(d *HTMLDocument) {
		if n > 0 {
			d.changes = make(chan Change, n)
		}
	}
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("document: parse html: %w", err)
	}
	d := &HTMLDocument{
		root:    root,
		layouts: make(map[*html.Node]Layout),
		tracked: make(map[*html.Node]struct{}),
		changes: make(chan Change, defaultChangeBuffer),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("document")
	return d, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s string, opts ...Option) (*HTMLDocument, error) {
	return Parse(strings.NewReader(s), opts...)
}

// NewElement builds a detached element ready to be inserted.
func NewElement(tag string, attrs map[string]string, text string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     strings.ToLower(tag),
		DataAtom: atom.Lookup([]byte(strings.ToLower(tag))),
	}
	for k, v := range attrs {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: v})
	}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	return n
}

type tree struct{ d *HTMLDocument }

func (t tree) Root() *html.Node           { return t.d.root }
func (t tree) Contains(n *html.Node) bool { return Attached(t.d.root, n) }
func (t tree) Layout(n *html.Node) (Layout, bool) {
	l, ok := t.d.layouts[n]
	return l, ok
}

// View implements Document.
func (d *HTMLDocument) View(fn func(t Tree) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(tree{d: d})
}

// Changes implements Document.
func (d *HTMLDocument) Changes() <-chan Change { return d.changes }

// Track implements Document.
func (d *HTMLDocument) Track(n *html.Node) {
	d.mu.Lock()
	d.tracked[n] = struct{}{}
	d.mu.Unlock()
}

// Untrack implements Document.
func (d *HTMLDocument) Untrack(n *html.Node) {
	d.mu.Lock()
	delete(d.tracked, n)
	d.mu.Unlock()
}

// Tracked reports whether n is registered for visibility and size notifications.
func (d *HTMLDocument) Tracked(n *html.Node) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tracked[n]
	return ok
}

// Dropped returns how many notifications were discarded because the change
// channel was full.
func (d *HTMLDocument) Dropped() uint64 { return d.dropped.Load() }

// Close stops publishing changes and closes the channel.
func (d *HTMLDocument) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.changes)
	}
}

// Query runs an XPath expression against the current tree.
func (d *HTMLDocument) Query(expr string) ([]*html.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("document: query %q: %w", expr, err)
	}
	return nodes, nil
}

// MustFind returns the first node matching expr or panics. Intended for tests
// and fixtures.
func (d *HTMLDocument) MustFind(expr string) *html.Node {
	nodes, err := d.Query(expr)
	if err != nil || len(nodes) == 0 {
		panic(fmt.Sprintf("document: no node matches %q", expr))
	}
	return nodes[0]
}

// Render serializes the current tree.
func (d *HTMLDocument) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

// publish must be called with d.mu held for writing.
func (d *HTMLDocument) publish(c Change) {
	if d.closed {
		return
	}
	c.At = time.Now()
	select {
	case d.changes <- c:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("Change channel full, notification dropped.",
			zap.Stringer("kind", c.Kind), zap.Uint64("dropped_total", n))
	}
}

// AppendChild attaches child as the last child of parent.
func (d *HTMLDocument) AppendChild(parent, child *html.Node) error {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore attaches child under parent before ref (or last when ref is nil).
func (d *HTMLDocument) InsertBefore(parent, child, ref *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !Attached(d.root, parent) {
		return ErrDetached
	}
	if child.Parent != nil {
		return fmt.Errorf("document: child already has a parent, use Move")
	}
	parent.InsertBefore(child, ref)
	d.publish(Change{Kind: ChildList, Target: parent, Added: []*html.Node{child}})
	return nil
}

// Remove detaches n from the tree.
func (d *HTMLDocument) Remove(n *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent == nil || !Attached(d.root, n) {
		return ErrDetached
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.publish(Change{Kind: ChildList, Target: parent, Removed: []*html.Node{n}})
	return nil
}

// Move reattaches n under newParent. Like a browser, it reports a removal
// from the old parent followed by an addition to the new one.
func (d *HTMLDocument) Move(n, newParent *html.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Parent == nil || !Attached(d.root, n) || !Attached(d.root, newParent) {
		return ErrDetached
	}
	if Attached(n, newParent) {
		return fmt.Errorf("document: cannot move a node into its own subtree")
	}
	oldParent := n.Parent
	oldParent.RemoveChild(n)
	newParent.AppendChild(n)
	d.publish(Change{Kind: ChildList, Target: oldParent, Removed: []*html.Node{n}})
	d.publish(Change{Kind: ChildList, Target: newParent, Added: []*html.Node{n}})
	return nil
}

// SetAttribute sets key=val on n.
func (d *HTMLDocument) SetAttribute(n *html.Node, key, val string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !Attached(d.root, n) {
		return ErrDetached
	}
	old := ""
	found := false
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			old = n.Attr[i].Val
			n.Attr[i].Val = val
			found = true
			break
		}
	}
	if !found {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	d.publish(Change{Kind: Attributes, Target: n, AttributeName: key, OldValue: old})
	return nil
}

// RemoveAttribute deletes key from n.
func (d *HTMLDocument) RemoveAttribute(n *html.Node, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !Attached(d.root, n) {
		return ErrDetached
	}
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			old := n.Attr[i].Val
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.publish(Change{Kind: Attributes, Target: n, AttributeName: key, OldValue: old})
			return nil
		}
	}
	return nil
}

// SetText replaces the children of n with a single text node. The replaced
// children are reported as a removal before the text change.
func (d *HTMLDocument) SetText(n *html.Node, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !Attached(d.root, n) {
		return ErrDetached
	}
	old := htmlquery.InnerText(n)
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	txt := &html.Node{Type: html.TextNode, Data: text}
	n.AppendChild(txt)
	d.publish(Change{Kind: ChildList, Target: n, Added: []*html.Node{txt}, Removed: removed})
	d.publish(Change{Kind: CharacterData, Target: n, OldValue: old})
	return nil
}

// SetVisibility records host visibility for n; tracked nodes get a notification.
func (d *HTMLDocument) SetVisibility(n *html.Node, visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.layouts[n]
	l.Visible = visible
	d.layouts[n] = l
	if _, ok := d.tracked[n]; ok {
		d.publish(Change{Kind: Visibility, Target: n, Visible: visible, Rect: l.Rect})
	}
}

// SetGeometry records host geometry for n; tracked nodes get a notification.
func (d *HTMLDocument) SetGeometry(n *html.Node, r Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, existed := d.layouts[n]
	l.Rect = r
	if !existed {
		l.Visible = r.Area() > 0
	}
	d.layouts[n] = l
	if _, ok := d.tracked[n]; ok {
		d.publish(Change{Kind: Resize, Target: n, Rect: r, Visible: l.Visible})
	}
}
