package cache

import (
	"strings"
	"unicode"

	"github.com/xkilldash9x/elementindex/internal/element"
)

// indexedAttributes feed the attribute-value index.
var indexedAttributes = []string{"id", "name", "aria-label", "placeholder", "title", "alt",
	"type", "href", "value", "data-testid", "for", "action", "class"}

const maxAttrValueLen = 128

// indexLocked classifies the committed snapshot in slot h and adds it to every
// index. It always starts from an empty membership, so calling it again after
// deindexLocked yields the same state.
func (c *Cache) indexLocked(h Handle) {
	sl := &c.slots[h]
	s := sl.snap

	sl.classes = element.Classify(s)
	for cat, set := range c.classes {
		if sl.classes.Has(cat) {
			set.set(h)
		}
	}

	sl.typeKey = s.Tag
	c.byType.add(sl.typeKey, h)

	sl.roleKey = s.Role
	c.byRole.add(sl.roleKey, h)

	sl.selectorKey = strings.ToLower(s.Selector)
	c.bySelector.add(sl.selectorKey, h)

	sl.textKeys = tokenize(s.Text)
	for _, tok := range sl.textKeys {
		c.byText.add(tok, h)
	}

	sl.attrKeys = sl.attrKeys[:0]
	for _, name := range indexedAttributes {
		v := strings.ToLower(strings.TrimSpace(s.Attributes[name]))
		if v == "" {
			continue
		}
		if len(v) > maxAttrValueLen {
			v = v[:maxAttrValueLen]
		}
		sl.attrKeys = appendUnique(sl.attrKeys, v)
	}
	for _, v := range sl.attrKeys {
		c.byAttr.add(v, h)
	}
}

// deindexLocked removes slot h from every index using the keys recorded by
// indexLocked.
func (c *Cache) deindexLocked(h Handle) {
	sl := &c.slots[h]
	for _, set := range c.classes {
		set.clear(h)
	}
	sl.classes = 0
	c.byType.remove(sl.typeKey, h)
	c.byRole.remove(sl.roleKey, h)
	c.bySelector.remove(sl.selectorKey, h)
	for _, tok := range sl.textKeys {
		c.byText.remove(tok, h)
	}
	for _, v := range sl.attrKeys {
		c.byAttr.remove(v, h)
	}
	sl.typeKey, sl.roleKey, sl.selectorKey = "", "", ""
	sl.textKeys = nil
	sl.attrKeys = nil
}

// tokenize lower-cases s and splits it on anything that is not a letter or
// digit, dropping duplicates.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		out = appendUnique(out, f)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
