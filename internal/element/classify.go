package element

import (
	"strconv"
	"strings"
)

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func in(m map[string]struct{}, v string) bool {
	_, ok := m[v]
	return ok
}

var (
	// relevantTags are admitted without further checks.
	relevantTags = set("a", "button", "input", "select", "textarea", "form", "label",
		"option", "details", "summary", "img", "video", "audio", "iframe", "canvas",
		"nav", "menu", "dialog", "h1", "h2", "h3", "h4", "h5", "h6")

	// ignoredTags never produce a snapshot.
	ignoredTags = set("html", "head", "body", "script", "style", "noscript", "template",
		"meta", "link", "title", "base", "br", "hr", "source", "track", "param", "wbr")

	widgetRoles = set("button", "link", "checkbox", "radio", "switch", "tab", "menuitem",
		"menuitemcheckbox", "menuitemradio", "option", "textbox", "searchbox", "combobox",
		"listbox", "slider", "spinbutton", "scrollbar", "treeitem", "gridcell")

	landmarkRoles = set("navigation", "menu", "menubar", "tablist", "dialog", "form",
		"search", "img", "figure", "heading", "article", "region", "main", "radiogroup", "tooltip")

	handlerAttrs = []string{"onclick", "ng-click", "@click", "v-on:click", "data-action",
		"jsaction", "onmousedown", "onkeydown"}

	interactiveClassTokens = set("btn", "button", "clickable", "link", "toggle", "dropdown",
		"menu", "tab", "nav", "cta", "action", "close")

	clickableTags = set("a", "button", "summary")
	clickRoles    = set("button", "link", "menuitem", "menuitemcheckbox", "menuitemradio",
		"tab", "checkbox", "radio", "switch", "option", "treeitem")
	clickInputs = set("button", "submit", "reset", "image", "checkbox", "radio", "file",
		"color", "range")

	// nonTextInputs are input types that do not take typed text.
	nonTextInputs = set("hidden", "submit", "button", "reset", "image", "checkbox", "radio",
		"file", "color", "range")

	selectRoles = set("listbox", "combobox", "option", "radiogroup", "radio", "checkbox",
		"menuitemradio", "menuitemcheckbox", "switch", "tab")

	navRoles    = set("navigation", "link", "menubar", "tablist", "tab")
	formTags    = set("form", "input", "select", "textarea", "label", "fieldset", "datalist", "output", "optgroup", "option")
	formRoles   = set("form", "search", "textbox", "searchbox", "combobox", "checkbox", "radio", "radiogroup", "slider", "spinbutton", "switch", "listbox")
	mediaTags   = set("img", "video", "audio", "picture", "svg", "canvas", "iframe", "figure", "embed", "object")
	mediaRoles  = set("img", "figure")
	contentTags = set("p", "h1", "h2", "h3", "h4", "h5", "h6", "article", "section", "main",
		"blockquote", "li", "td", "th", "dd", "dt", "figcaption", "caption", "pre")
	contentRoles = set("article", "heading", "region", "main", "document", "paragraph", "note")
	buttonInputs = set("button", "submit", "reset", "image")
	menuRoles    = set("menu", "menubar", "menuitem", "menuitemcheckbox", "menuitemradio")
)

// IsRelevant is the admission filter: a tag on the allow-list, an interactive
// attribute or role, an interactive class token, or an id-anchored element
// with visible text.
func IsRelevant(tag string, attrs Attributes, role, text string) bool {
	tag = strings.ToLower(tag)
	if tag == "" || in(ignoredTags, tag) {
		return false
	}
	if tag == "input" && attrs.Is("type", "hidden") {
		return false
	}
	if in(relevantTags, tag) {
		return true
	}
	if role != "" && (in(widgetRoles, role) || in(landmarkRoles, role)) {
		return true
	}
	if hasHandler(attrs) || focusable(attrs) || editable(attrs) || attrs.Is("draggable", "true") {
		return true
	}
	if attrs.Has("aria-haspopup") || attrs.Has("aria-expanded") || attrs.Has("aria-controls") {
		return true
	}
	for _, tok := range attrs.ClassTokens() {
		if in(interactiveClassTokens, tok) {
			return true
		}
	}
	return strings.TrimSpace(attrs["id"]) != "" && strings.TrimSpace(text) != ""
}

// Relevant applies IsRelevant to a built snapshot.
func (s *Snapshot) Relevant() bool {
	return IsRelevant(s.Tag, s.Attributes, s.Role, s.Text)
}

// ResolveRole returns the explicit role or the implicit role HTML assigns to
// the tag.
func ResolveRole(tag string, attrs Attributes) string {
	if r := strings.Fields(strings.ToLower(attrs["role"])); len(r) > 0 {
		return r[0]
	}
	switch strings.ToLower(tag) {
	case "a", "area":
		if attrs.Has("href") {
			return "link"
		}
	case "button", "summary":
		return "button"
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "button", "submit", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		case "number":
			return "spinbutton"
		case "search":
			return "searchbox"
		case "hidden", "file", "color":
			return ""
		default:
			if attrs.Has("list") {
				return "combobox"
			}
			return "textbox"
		}
	case "textarea":
		return "textbox"
	case "select":
		if attrs.Has("multiple") {
			return "listbox"
		}
		return "combobox"
	case "option":
		return "option"
	case "img":
		if attrs.Has("alt") && attrs["alt"] == "" {
			return "presentation"
		}
		return "img"
	case "nav":
		return "navigation"
	case "form":
		return "form"
	case "menu":
		return "list"
	case "dialog":
		return "dialog"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "article":
		return "article"
	case "main":
		return "main"
	case "figure":
		return "figure"
	case "ul", "ol":
		return "list"
	case "li":
		return "listitem"
	}
	return ""
}

func hasHandler(attrs Attributes) bool {
	for _, a := range handlerAttrs {
		if attrs.Has(a) {
			return true
		}
	}
	return false
}

// focusable reports a tab order attribute that puts the element in the
// sequential focus order.
func focusable(attrs Attributes) bool {
	v, ok := attrs["tabindex"]
	if !ok {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return err == nil && n >= 0
}

func editable(attrs Attributes) bool {
	v, ok := attrs["contenteditable"]
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "plaintext-only":
		return true
	}
	return false
}

// Disabled reports the disabled attribute or aria-disabled="true".
func Disabled(attrs Attributes) bool {
	return attrs.Has("disabled") || attrs.Is("aria-disabled", "true")
}

// interactable is computed once at build time and stored on the snapshot.
func interactable(tag string, attrs Attributes, role string) bool {
	if Disabled(attrs) {
		return false
	}
	switch tag {
	case "button", "select", "textarea", "summary", "option":
		return true
	case "a":
		return attrs.Has("href") || hasHandler(attrs)
	case "input":
		return !attrs.Is("type", "hidden")
	}
	return in(widgetRoles, role) || hasHandler(attrs) || focusable(attrs) || editable(attrs)
}

// IsClickable := tag in {button, a, summary}, a clickable role, a click
// handler, a tab order attribute, a button-like input, or interactable.
func IsClickable(s *Snapshot) bool {
	return in(clickableTags, s.Tag) ||
		in(clickRoles, s.Role) ||
		hasHandler(s.Attributes) ||
		focusable(s.Attributes) ||
		(s.Tag == "input" && in(clickInputs, strings.ToLower(s.Attributes["type"]))) ||
		s.Interactable
}

// IsTextInput reports whether an input or textarea accepts typed text.
func IsTextInput(tag string, attrs Attributes) bool {
	switch tag {
	case "textarea":
		return true
	case "input":
		return !in(nonTextInputs, strings.ToLower(attrs["type"]))
	}
	return false
}

func IsTypeable(s *Snapshot) bool {
	if attrs := s.Attributes; attrs.Has("readonly") || Disabled(attrs) {
		return false
	}
	return IsTextInput(s.Tag, s.Attributes) ||
		s.Role == "textbox" || s.Role == "searchbox" ||
		editable(s.Attributes)
}

func IsSelectable(s *Snapshot) bool {
	if s.Tag == "select" || s.Tag == "option" || s.Tag == "datalist" {
		return true
	}
	if s.Tag == "input" {
		t := strings.ToLower(s.Attributes["type"])
		if t == "checkbox" || t == "radio" {
			return true
		}
	}
	return in(selectRoles, s.Role) || s.Attributes.Has("aria-selected") || s.Attributes.Has("aria-checked")
}

func IsScrollable(s *Snapshot) bool {
	style := strings.ToLower(strings.ReplaceAll(s.Attributes["style"], " ", ""))
	for _, p := range []string{"overflow:auto", "overflow:scroll", "overflow-y:auto", "overflow-y:scroll", "overflow-x:auto", "overflow-x:scroll"} {
		if strings.Contains(style, p) {
			return true
		}
	}
	if s.Role == "scrollbar" || s.Role == "log" || s.Role == "feed" {
		return true
	}
	if s.Tag == "select" && (s.Attributes.Has("multiple") || s.Attributes.Has("size")) {
		return true
	}
	for _, tok := range s.Attributes.ClassTokens() {
		if tok == "scroll" || tok == "scrollable" || tok == "overflow" {
			return true
		}
	}
	return false
}

func IsHoverable(s *Snapshot) bool {
	a := s.Attributes
	if a.Has("onmouseover") || a.Has("onmouseenter") || a.Has("title") || a.Has("aria-describedby") {
		return true
	}
	if a.Has("aria-haspopup") || s.Role == "tooltip" {
		return true
	}
	for _, tok := range a.ClassTokens() {
		if tok == "hover" || tok == "tooltip" || tok == "dropdown" || tok == "popover" {
			return true
		}
	}
	return false
}

func IsDraggable(s *Snapshot) bool {
	a := s.Attributes
	if a.Is("draggable", "true") || a.Has("ondragstart") {
		return true
	}
	for _, tok := range a.ClassTokens() {
		if tok == "draggable" || tok == "sortable" || tok == "drag" {
			return true
		}
	}
	return false
}

func IsNavigation(s *Snapshot) bool {
	return s.Tag == "nav" ||
		(s.Tag == "a" && s.Attributes.Has("href")) ||
		in(navRoles, s.Role) ||
		s.Within("nav")
}

func IsForm(s *Snapshot) bool {
	if in(formTags, s.Tag) || in(formRoles, s.Role) || s.Within("form") {
		return true
	}
	return s.Tag == "button" && (s.Attributes.Is("type", "submit") || s.Attributes.Is("type", "reset"))
}

func IsMedia(s *Snapshot) bool {
	return in(mediaTags, s.Tag) || in(mediaRoles, s.Role)
}

// IsContent covers text-bearing structure and non-interactive elements that
// carry text of their own.
func IsContent(s *Snapshot) bool {
	if in(contentTags, s.Tag) || in(contentRoles, s.Role) {
		return true
	}
	return !s.Interactable && s.Text != "" && !IsMedia(s)
}

func IsButton(s *Snapshot) bool {
	if s.Tag == "button" || s.Role == "button" {
		return true
	}
	if s.Tag == "input" && in(buttonInputs, strings.ToLower(s.Attributes["type"])) {
		return true
	}
	for _, tok := range s.Attributes.ClassTokens() {
		if tok == "btn" || tok == "button" {
			return true
		}
	}
	return false
}

func IsMenu(s *Snapshot) bool {
	if s.Tag == "menu" || in(menuRoles, s.Role) || s.Within("menu") {
		return true
	}
	if v := strings.ToLower(s.Attributes["aria-haspopup"]); v == "true" || v == "menu" {
		return true
	}
	for _, tok := range s.Attributes.ClassTokens() {
		if tok == "menu" || tok == "dropdown" {
			return true
		}
	}
	return false
}

// Predicate tests one bucket.
type Predicate func(*Snapshot) bool

var predicates = map[Category]Predicate{
	Clickable:  IsClickable,
	Typeable:   IsTypeable,
	Selectable: IsSelectable,
	Scrollable: IsScrollable,
	Hoverable:  IsHoverable,
	Draggable:  IsDraggable,
	Navigation: IsNavigation,
	Form:       IsForm,
	Media:      IsMedia,
	Content:    IsContent,
	Button:     IsButton,
	Menu:       IsMenu,
}

// PredicateFor returns the membership test for a stored bucket.
func PredicateFor(c Category) (Predicate, bool) {
	p, ok := predicates[c]
	return p, ok
}

// Classify evaluates every predicate from scratch. The result depends only on
// the snapshot, so calling it again on an unchanged snapshot is a no-op.
func Classify(s *Snapshot) Classes {
	var c Classes
	for _, cat := range ActionCategories {
		if predicates[cat](s) {
			c = c.with(cat)
		}
	}
	for _, cat := range ContextCategories {
		if predicates[cat](s) {
			c = c.with(cat)
		}
	}
	return c
}
