// Package element turns live document nodes into snapshots and classifies
// them. Everything here is pure: no package state is mutated, so the cache can
// rebuild and reclassify a snapshot as often as it needs.
package element

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
)

// Attributes is an element's attribute bag with lower-cased keys.
type Attributes map[string]string

// Get returns the value for key, or "".
func (a Attributes) Get(key string) string { return a[key] }

// Has reports whether key is present, even with an empty value.
func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Is reports whether key is present with a value equal to val, ignoring case.
func (a Attributes) Is(key, val string) bool {
	v, ok := a[key]
	return ok && strings.EqualFold(strings.TrimSpace(v), val)
}

// ClassTokens returns the class list plus each class split on '-' and '_',
// lower-cased. "btn-primary" yields "btn-primary", "btn" and "primary".
func (a Attributes) ClassTokens() []string {
	cls := a["class"]
	if cls == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Fields(strings.ToLower(cls)) {
		out = append(out, c)
		parts := strings.FieldsFunc(c, func(r rune) bool { return r == '-' || r == '_' })
		if len(parts) > 1 {
			out = append(out, parts...)
		}
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is the indexed record for one element.
type Snapshot struct {
	Identity     string        `json:"identity"`
	Tag          string        `json:"tag"`
	Attributes   Attributes    `json:"attributes"`
	Role         string        `json:"role,omitempty"`
	Text         string        `json:"text,omitempty"`
	Selector     string        `json:"selector"`
	Geometry     document.Rect `json:"geometry"`
	Visible      bool          `json:"visible"`
	Interactable bool          `json:"interactable"`
	Priority     float64       `json:"priority"`
	LastSeen     time.Time     `json:"lastSeen"`

	// Ancestry lists the landmark contexts (nav, form, menu, dialog...)
	// enclosing the element, sorted.
	Ancestry []string `json:"ancestry,omitempty"`

	// Node is the live element the snapshot was built from.
	Node *html.Node `json:"-"`
}

// Within reports whether the element sits inside the named landmark.
func (s *Snapshot) Within(landmark string) bool {
	i := sort.SearchStrings(s.Ancestry, landmark)
	return i < len(s.Ancestry) && s.Ancestry[i] == landmark
}

// Clone returns a deep copy that shares only the Node pointer.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = make(Attributes, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	c.Ancestry = append([]string(nil), s.Ancestry...)
	return &c
}

// EstimatedBytes approximates the heap held by the snapshot. Used for the
// budget's memory figure, not for accounting.
func (s *Snapshot) EstimatedBytes() int {
	const overhead = 256
	n := overhead + len(s.Identity) + len(s.Tag) + len(s.Role) + len(s.Text) + len(s.Selector)
	for k, v := range s.Attributes {
		n += len(k) + len(v) + 32
	}
	for _, a := range s.Ancestry {
		n += len(a) + 16
	}
	return n
}
