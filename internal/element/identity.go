package element

import (
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

func sum64(s string) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Fingerprint derives the identity key from tag, id, stable class list and
// text truncated to textLen runes. Structurally identical elements produce the
// same key; see Disambiguate.
func Fingerprint(tag string, attrs Attributes, text string, textLen int) string {
	var sb strings.Builder
	tag = strings.ToLower(tag)
	sb.WriteString(tag)

	if id := strings.TrimSpace(attrs["id"]); id != "" {
		sb.WriteString("#" + id)
	}

	if classes := stableClasses(attrs["class"]); len(classes) > 0 {
		sb.WriteString("." + strings.Join(classes, "."))
	}

	if text = truncateRunes(strings.TrimSpace(text), textLen); text != "" {
		sb.WriteString(`[text="`)
		sb.WriteString(strings.ReplaceAll(text, `"`, "'"))
		sb.WriteString(`"]`)
	}

	return tag + ":" + strconv.FormatUint(sum64(sb.String()), 16)
}

// Disambiguate derives a distinct identity for an element whose fingerprint is
// already held by another live element. The selector is unique per position in
// the tree.
func Disambiguate(identity, selector string) string {
	return identity + "@" + strconv.FormatUint(sum64(selector), 16)
}

// stableClasses drops class names that look generated (short and containing
// digits, as CSS-in-JS emits) and sorts the rest. Lists of five or more are
// ignored entirely since utility frameworks churn them.
func stableClasses(cls string) []string {
	if cls == "" {
		return nil
	}
	fields := strings.Fields(cls)
	sort.Strings(fields)
	var out []string
	for _, c := range fields {
		if len(c) > 5 || !strings.ContainsAny(c, "0123456789") {
			out = append(out, c)
		}
	}
	if len(out) >= 5 {
		return nil
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
