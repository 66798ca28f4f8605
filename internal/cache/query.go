package cache

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/elementindex/internal/element"
)

// Strategy weights for intent resolution.
const (
	weightText      = 3.0
	weightRole      = 2.0
	weightAttribute = 1.5
	weightSelector  = 1.0
)

// Result is one ranked match.
type Result struct {
	*element.Snapshot
	Score      float64  `json:"score"`
	Categories []string `json:"categories"`
	MatchedBy  []string `json:"matchedBy,omitempty"`
}

// QueryOptions narrows category and intent queries.
type QueryOptions struct {
	// Limit caps the result count; zero uses the configured result limit.
	Limit int `json:"limit,omitempty"`
	// VisibleOnly drops hidden entries from category queries.
	VisibleOnly bool `json:"visibleOnly,omitempty"`
	// IncludeHidden keeps hidden entries in intent queries, which are
	// otherwise restricted to visible, interactable elements.
	IncludeHidden bool `json:"includeHidden,omitempty"`
}

// Filter selects entries for GetAll. Zero fields match everything.
type Filter struct {
	Tag              string `json:"tag,omitempty"`
	Role             string `json:"role,omitempty"`
	Category         string `json:"category,omitempty"`
	VisibleOnly      bool   `json:"visibleOnly,omitempty"`
	InteractableOnly bool   `json:"interactableOnly,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "on": {}, "in": {}, "of": {}, "for": {},
	"my": {}, "me": {}, "please": {}, "and": {}, "or": {}, "with": {}, "this": {},
	"that": {}, "it": {}, "at": {}, "i": {}, "want": {}, "can": {}, "you": {},
}

// roleWords maps action verbs and control nouns to the roles they suggest.
var roleWords = map[string][]string{
	"click":    {"button", "link", "menuitem", "tab"},
	"press":    {"button", "link", "menuitem", "tab"},
	"tap":      {"button", "link", "menuitem", "tab"},
	"push":     {"button"},
	"hit":      {"button"},
	"submit":   {"button"},
	"type":     {"textbox", "searchbox", "combobox"},
	"enter":    {"textbox", "searchbox", "combobox"},
	"fill":     {"textbox", "searchbox", "combobox"},
	"write":    {"textbox", "searchbox"},
	"search":   {"searchbox", "textbox"},
	"field":    {"textbox", "searchbox", "combobox"},
	"box":      {"textbox", "searchbox", "checkbox"},
	"textbox":  {"textbox"},
	"select":   {"combobox", "listbox", "option", "radio"},
	"choose":   {"combobox", "listbox", "option", "radio"},
	"pick":     {"combobox", "listbox", "option", "radio"},
	"dropdown": {"combobox", "listbox"},
	"check":    {"checkbox", "switch"},
	"uncheck":  {"checkbox", "switch"},
	"tick":     {"checkbox"},
	"toggle":   {"checkbox", "switch", "button"},
	"checkbox": {"checkbox"},
	"radio":    {"radio"},
	"slider":   {"slider"},
	"open":     {"link", "menuitem", "tab", "button"},
	"go":       {"link", "menuitem", "tab"},
	"navigate": {"link", "menuitem", "tab"},
	"visit":    {"link"},
	"follow":   {"link"},
	"button":   {"button"},
	"link":     {"link"},
	"menu":     {"menu", "menuitem"},
	"tab":      {"tab"},
	"image":    {"img"},
	"picture":  {"img"},
}

// FindByCategory returns the members of a named category, ranked by
// priority. Tag names resolve to their byType bucket; anything else is
// treated as an intent.
func (c *Cache) FindByCategory(name string, opts QueryOptions) []Result {
	if cat, ok := element.ParseCategory(name); ok {
		return c.FindInCategory(cat, opts)
	}

	c.mu.Lock()
	if set, ok := c.byType[strings.ToLower(strings.TrimSpace(name))]; ok {
		defer c.mu.Unlock()
		return c.rankByPriorityLocked(c.membersLocked(set, opts.VisibleOnly), c.limit(opts.Limit), "type")
	}
	c.mu.Unlock()

	return c.FindByIntent(name, opts)
}

// FindInCategory returns the members of cat ranked by priority.
func (c *Cache) FindInCategory(cat element.Category, opts QueryOptions) []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var handles []Handle
	if cat == element.Interactive {
		seen := &bitset{}
		for _, a := range element.ActionCategories {
			c.classes[a].each(seen.set)
		}
		handles = c.membersLocked(seen, opts.VisibleOnly)
	} else if set, ok := c.classes[cat]; ok {
		handles = c.membersLocked(set, opts.VisibleOnly)
	}
	return c.rankByPriorityLocked(handles, c.limit(opts.Limit), "category:"+cat.String())
}

func (c *Cache) membersLocked(set *bitset, visibleOnly bool) []Handle {
	out := make([]Handle, 0, set.len())
	set.each(func(h Handle) {
		if !visibleOnly || c.slots[h].snap.Visible {
			out = append(out, h)
		}
	})
	return out
}

// FindByIntent resolves free text. A phrase that names a category is answered
// as a category query. Otherwise four strategies score candidates: text token
// overlap, role keywords, attribute substrings and selector substrings. Only
// visible, interactable entries are returned. When nothing scores, every
// interactable entry is returned ranked by priority.
func (c *Cache) FindByIntent(intent string, opts QueryOptions) []Result {
	if cat, ok := element.CategoryForKeyword(intent); ok {
		return c.FindInCategory(cat, opts)
	}

	words := tokenize(intent)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := stopwords[w]; !stop {
			terms = append(terms, w)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.limit(opts.Limit)
	if len(terms) == 0 {
		return c.fallbackLocked(opts.Limit)
	}

	sc := newScorer()
	c.scoreTextLocked(sc, terms)
	c.scoreRolesLocked(sc, words)
	c.scoreKeyedLocked(sc, c.byAttr, terms, "attribute", weightAttribute)
	c.scoreKeyedLocked(sc, c.bySelector, terms, "selector", weightSelector)

	ranked := make([]Result, 0, len(sc.total))
	for h, total := range sc.total {
		s := c.slots[h].snap
		if !s.Interactable || (!s.Visible && !opts.IncludeHidden) {
			continue
		}
		ranked = append(ranked, Result{
			Snapshot:   s,
			Score:      total,
			Categories: c.slots[h].classes.Names(),
			MatchedBy:  sc.strategies(h),
		})
	}
	if len(ranked) == 0 {
		return c.fallbackLocked(opts.Limit)
	}

	sort.Slice(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return c.finishLocked(ranked)
}

// scoreTextLocked scores exact phrase matches highest, then substring matches,
// then the share of query terms found among the entry's text tokens.
func (c *Cache) scoreTextLocked(sc *scorer, terms []string) {
	phrase := strings.Join(terms, " ")
	candidates := &bitset{}
	for _, t := range terms {
		if set, ok := c.byText[t]; ok {
			set.each(candidates.set)
		}
		if len(t) < 3 {
			continue
		}
		for key, set := range c.byText {
			if key != t && strings.HasPrefix(key, t) {
				set.each(candidates.set)
			}
		}
	}

	candidates.each(func(h Handle) {
		tokens := c.slots[h].textKeys
		norm := strings.Join(tokens, " ")
		var score float64
		switch {
		case norm == phrase:
			score = 1
		case strings.Contains(norm, phrase):
			score = 0.85
		default:
			var matched float64
			for _, t := range terms {
				matched += tokenMatch(tokens, t)
			}
			score = 0.7 * matched / float64(len(terms))
		}
		sc.add(h, "text", weightText*score)
	})
}

func tokenMatch(tokens []string, term string) float64 {
	best := 0.0
	for _, tok := range tokens {
		if tok == term {
			return 1
		}
		if len(term) >= 3 && strings.HasPrefix(tok, term) {
			best = 0.5
		}
	}
	return best
}

func (c *Cache) scoreRolesLocked(sc *scorer, words []string) {
	roles := map[string]struct{}{}
	for _, w := range words {
		for _, r := range roleWords[w] {
			roles[r] = struct{}{}
		}
	}
	for r := range roles {
		if set, ok := c.byRole[r]; ok {
			set.each(func(h Handle) { sc.add(h, "role", weightRole) })
		}
	}
}

// scoreKeyedLocked scores entries whose index keys contain query terms as
// substrings, by the share of terms matched.
func (c *Cache) scoreKeyedLocked(sc *scorer, idx keyed, terms []string, strategy string, weight float64) {
	for key, set := range idx {
		matched := 0
		for _, t := range terms {
			if len(t) >= 2 && strings.Contains(key, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := weight * float64(matched) / float64(len(terms))
		set.each(func(h Handle) { sc.add(h, strategy, score) })
	}
}

// fallbackLocked ranks every interactable entry by priority.
func (c *Cache) fallbackLocked(limit int) []Result {
	if limit <= 0 {
		limit = c.cfg.FallbackLimit
	}
	var handles []Handle
	for _, h := range c.byIdentity {
		if c.slots[h].snap.Interactable {
			handles = append(handles, h)
		}
	}
	return c.rankByPriorityLocked(handles, limit, "fallback")
}

func (c *Cache) rankByPriorityLocked(handles []Handle, limit int, matchedBy string) []Result {
	out := make([]Result, 0, len(handles))
	for _, h := range handles {
		s := c.slots[h].snap
		out = append(out, Result{
			Snapshot:   s,
			Score:      s.Priority,
			Categories: c.slots[h].classes.Names(),
			MatchedBy:  []string{matchedBy},
		})
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return c.finishLocked(out)
}

// finishLocked bumps access for every returned entry and hands out copies.
func (c *Cache) finishLocked(rs []Result) []Result {
	for i := range rs {
		if h, ok := c.byIdentity[rs[i].Identity]; ok {
			c.touchLocked(h)
		}
		rs[i].Snapshot = rs[i].Snapshot.Clone()
	}
	return rs
}

func better(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Identity < b.Identity
}

func (c *Cache) limit(n int) int {
	if n > 0 {
		return n
	}
	return c.cfg.ResultLimit
}

// GetAll returns every entry matching f, ranked by priority.
func (c *Cache) GetAll(f Filter) []Result {
	var cat element.Category
	if f.Category != "" {
		var ok bool
		if cat, ok = element.ParseCategory(f.Category); !ok {
			return []Result{}
		}
	}
	tag := strings.ToLower(f.Tag)
	role := strings.ToLower(f.Role)

	c.mu.Lock()
	defer c.mu.Unlock()

	var handles []Handle
	for _, h := range c.byIdentity {
		sl := &c.slots[h]
		s := sl.snap
		switch {
		case tag != "" && s.Tag != tag:
		case role != "" && s.Role != role:
		case f.VisibleOnly && !s.Visible:
		case f.InteractableOnly && !s.Interactable:
		case cat != element.CategoryUnknown && !sl.classes.Has(cat):
		default:
			handles = append(handles, h)
		}
	}
	return c.rankByPriorityLocked(handles, f.Limit, "filter")
}

// scorer accumulates per-strategy maxima and their sum.
type scorer struct {
	total map[Handle]float64
	by    map[Handle]map[string]float64
}

func newScorer() *scorer {
	return &scorer{total: map[Handle]float64{}, by: map[Handle]map[string]float64{}}
}

func (s *scorer) add(h Handle, strategy string, v float64) {
	if v <= 0 {
		return
	}
	m, ok := s.by[h]
	if !ok {
		m = map[string]float64{}
		s.by[h] = m
	}
	if prev := m[strategy]; v > prev {
		m[strategy] = v
		s.total[h] += v - prev
	}
}

func (s *scorer) strategies(h Handle) []string {
	out := make([]string, 0, len(s.by[h]))
	for k := range s.by[h] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
