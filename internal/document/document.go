// Package document models the host's mutable element tree and the change
// notifications it reports. The index never touches a host API directly; it
// reads the tree through Document.View and consumes Change values from a
// bounded channel.
package document

import (
	"fmt"
	"time"

	"golang.org/x/net/html"
)

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	// ChildList reports nodes added to or removed from Target.
	ChildList ChangeKind = iota
	// Attributes reports that AttributeName changed on Target.
	Attributes
	// CharacterData reports that the text content under Target changed.
	CharacterData
	// Visibility reports that Target entered or left the visible area.
	Visibility
	// Resize reports that Target's geometry changed.
	Resize
)

func (k ChangeKind) String() string {
	switch k {
	case ChildList:
		return "structural"
	case Attributes:
		return "attribute"
	case CharacterData:
		return "text"
	case Visibility:
		return "visibility"
	case Resize:
		return "resize"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Rect is an element's position and size in document coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rectangle's surface.
func (r Rect) Area() float64 { return r.Width * r.Height }

// Layout is what the host knows about a rendered element.
type Layout struct {
	Rect    Rect
	Visible bool
}

// Change is a single notification from the host.
type Change struct {
	Kind          ChangeKind
	Target        *html.Node
	Added         []*html.Node
	Removed       []*html.Node
	AttributeName string
	OldValue      string
	Visible       bool
	Rect          Rect
	At            time.Time
}

// Tree is a consistent read-only view of the document, valid only for the
// duration of the View callback that produced it.
type Tree interface {
	Root() *html.Node
	// Contains reports whether n is still reachable from the root.
	Contains(n *html.Node) bool
	// Layout returns host-provided geometry and visibility, if any.
	Layout(n *html.Node) (Layout, bool)
}

// Document is the host environment the index observes.
type Document interface {
	// View runs fn against a stable snapshot of the tree. Mutations are
	// held off until fn returns.
	View(fn func(t Tree) error) error
	// Track registers n for visibility and size notifications.
	Track(n *html.Node)
	// Untrack stops visibility and size notifications for n.
	Untrack(n *html.Node)
	// Changes is the bounded stream of notifications.
	Changes() <-chan Change
}

// Attached reports whether n can be reached from root by walking parents.
func Attached(root, n *html.Node) bool {
	if root == nil || n == nil {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

// Walk visits every element node under n (n included) in document order.
// Returning false from fn prunes that node's subtree.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode || n.Type == html.DocumentNode {
		if n.Type == html.ElementNode && !fn(n) {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, fn)
	}
}
