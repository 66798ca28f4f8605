package element

import (
	"strings"
)

// Category is a named, non-exclusive classification bucket. The set is closed:
// the cache keeps one membership set per value.
type Category int

const (
	CategoryUnknown Category = iota

	// Action capabilities.
	Clickable
	Typeable
	Selectable
	Scrollable
	Hoverable
	Draggable

	// Contextual purpose.
	Navigation
	Form
	Media
	Content
	Button
	Menu

	// Interactive is the union of the action buckets. It is computed, never
	// stored as its own set.
	Interactive

	categoryCount
)

// ActionCategories lists the byAction buckets in a stable order.
var ActionCategories = []Category{Clickable, Typeable, Selectable, Scrollable, Hoverable, Draggable}

// ContextCategories lists the byContext buckets in a stable order.
var ContextCategories = []Category{Navigation, Form, Media, Content, Button, Menu}

var categoryNames = [...]string{
	CategoryUnknown: "unknown",
	Clickable:       "clickable",
	Typeable:        "typeable",
	Selectable:      "selectable",
	Scrollable:      "scrollable",
	Hoverable:       "hoverable",
	Draggable:       "draggable",
	Navigation:      "navigation",
	Form:            "form",
	Media:           "media",
	Content:         "content",
	Button:          "button",
	Menu:            "menu",
	Interactive:     "interactive",
}

func (c Category) String() string {
	if c < 0 || c >= categoryCount {
		return categoryNames[CategoryUnknown]
	}
	return categoryNames[c]
}

// IsAction reports whether c is one of the byAction buckets.
func (c Category) IsAction() bool { return c >= Clickable && c <= Draggable }

// IsContext reports whether c is one of the byContext buckets.
func (c Category) IsContext() bool { return c >= Navigation && c <= Menu }

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseCategory resolves a category name. Plural and "-elements" forms are
// accepted ("buttons", "form-elements").
func ParseCategory(s string) (Category, bool) {
	key := normalizeKeyword(s)
	for c := Clickable; c < categoryCount; c++ {
		if name := categoryNames[c]; name == key || name+"s" == key {
			return c, true
		}
	}
	return CategoryUnknown, false
}

// keywords maps everyday words an agent might use to a category. Only the
// whole normalized phrase is matched; "click the login button" is an intent,
// not a keyword.
var keywords = map[string]Category{
	"clickable":   Clickable,
	"clickables":  Clickable,
	"typeable":    Typeable,
	"input":       Typeable,
	"inputs":      Typeable,
	"text field":  Typeable,
	"text fields": Typeable,
	"textbox":     Typeable,
	"selectable":  Selectable,
	"dropdown":    Selectable,
	"dropdowns":   Selectable,
	"checkbox":    Selectable,
	"checkboxes":  Selectable,
	"scrollable":  Scrollable,
	"hoverable":   Hoverable,
	"tooltip":     Hoverable,
	"tooltips":    Hoverable,
	"draggable":   Draggable,
	"navigation":  Navigation,
	"nav":         Navigation,
	"link":        Navigation,
	"links":       Navigation,
	"form":        Form,
	"forms":       Form,
	"fields":      Form,
	"media":       Media,
	"image":       Media,
	"images":      Media,
	"video":       Media,
	"videos":      Media,
	"audio":       Media,
	"picture":     Media,
	"pictures":    Media,
	"content":     Content,
	"text":        Content,
	"headings":    Content,
	"button":      Button,
	"buttons":     Button,
	"menu":        Menu,
	"menus":       Menu,
	"interactive": Interactive,
	"controls":    Interactive,
}

// CategoryForKeyword returns the category named by a free-text phrase, if the
// whole phrase is a known category keyword.
func CategoryForKeyword(text string) (Category, bool) {
	key := normalizeKeyword(text)
	if key == "" {
		return CategoryUnknown, false
	}
	if c, ok := keywords[key]; ok {
		return c, true
	}
	if c, ok := ParseCategory(key); ok {
		return c, true
	}
	return CategoryUnknown, false
}

func normalizeKeyword(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	for _, prefix := range []string{"all the ", "all ", "the ", "get "} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, suffix := range []string{" elements", "-elements", " element", "-element", "_elements"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// Classes is the set of action and context buckets a snapshot belongs to.
type Classes uint32

// Has reports membership. Interactive is true when any action bit is set.
func (c Classes) Has(cat Category) bool {
	if cat == Interactive {
		for _, a := range ActionCategories {
			if c&(1<<uint(a)) != 0 {
				return true
			}
		}
		return false
	}
	if cat <= CategoryUnknown || cat >= categoryCount {
		return false
	}
	return c&(1<<uint(cat)) != 0
}

func (c Classes) with(cat Category) Classes { return c | 1<<uint(cat) }

// List returns the member categories in declaration order.
func (c Classes) List() []Category {
	var out []Category
	for cat := Clickable; cat <= Menu; cat++ {
		if c.Has(cat) {
			out = append(out, cat)
		}
	}
	return out
}

// Names is List rendered as strings, for wire payloads and logs.
func (c Classes) Names() []string {
	cats := c.List()
	out := make([]string, len(cats))
	for i, cat := range cats {
		out[i] = cat.String()
	}
	return out
}
