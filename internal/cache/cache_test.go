package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
	"github.com/xkilldash9x/elementindex/internal/element"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

const fixture = `<html><body>
<nav id="main-nav"><a id="home" href="/">Home</a><a id="docs" href="/docs">Documentation</a></nav>
<form id="login-form">
  <input id="email" type="email" name="email" placeholder="Email address">
  <input id="q" type="search" placeholder="Search products">
  <button id="login" type="submit">Log in</button>
</form>
<div id="plain">Just some text</div>
<button id="hidden-save" hidden>Save</button>
<button id="save">Save</button>
<img id="logo" src="/logo.png" alt="Company logo">
</body></html>`

// tickingClock returns strictly increasing instants so recency is total.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Millisecond) }
}

func newCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	return New(cfg, zaptest.NewLogger(t), WithClock(tickingClock()), WithMetrics(observability.NewMetrics()))
}

type loaded struct {
	doc *document.HTMLDocument
	ids map[string]string // element id attribute -> cache identity
}

func load(t *testing.T, c *Cache) loaded {
	t.Helper()
	doc, err := document.ParseString(fixture)
	require.NoError(t, err)
	b := element.NewBuilder(element.DefaultOptions())
	ids := map[string]string{}
	require.NoError(t, doc.View(func(tr document.Tree) error {
		document.Walk(tr.Root(), func(n *html.Node) bool {
			if s, ok := b.Build(tr, n); ok {
				if id, ok := c.Add(s); ok {
					ids[s.Attributes.Get("id")] = id
				}
			}
			return true
		})
		return nil
	}))
	return loaded{doc: doc, ids: ids}
}

// assertConsistent checks every structural invariant under the cache lock.
func assertConsistent(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	assert.LessOrEqual(t, len(c.byIdentity), c.cfg.MaxSize)
	seen := map[Handle]string{}
	for id, h := range c.byIdentity {
		require.True(t, c.slots[h].live, "identity %s maps to a dead slot", id)
		assert.Equal(t, id, c.slots[h].snap.Identity)
		_, dup := seen[h]
		assert.False(t, dup, "slot %d held by two identities", h)
		seen[h] = id
		assert.Equal(t, element.Classify(c.slots[h].snap), c.slots[h].classes)
	}

	member := func(kind string, set *bitset) {
		set.each(func(h Handle) {
			_, ok := seen[h]
			assert.True(t, ok, "%s index references missing slot %d", kind, h)
		})
	}
	for cat, set := range c.classes {
		member(cat.String(), set)
		set.each(func(h Handle) {
			assert.True(t, element.Classify(c.slots[h].snap).Has(cat))
		})
	}
	for name, idx := range map[string]keyed{"type": c.byType, "role": c.byRole, "selector": c.bySelector, "text": c.byText, "attr": c.byAttr} {
		for key, set := range idx {
			assert.NotZero(t, set.len(), "empty %s key %q retained", name, key)
			member(name, set)
		}
	}
}

func identities(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Identity
	}
	return out
}

func TestAdd_RejectsIrrelevant(t *testing.T) {
	c := newCache(t, Config{})
	_, ok := c.Add(nil)
	assert.False(t, ok)
	s := element.NewBuilder(element.Options{}).Snapshot(nil, &html.Node{Type: html.ElementNode, Data: "div"})
	_, ok = c.Add(s)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Rejected)
}

func TestCategory_ButtonVersusPlainDiv(t *testing.T) {
	c := newCache(t, Config{})
	doc, err := document.ParseString(`<html><body><button id="b">Buy</button><div id="d">Plain words</div></body></html>`)
	require.NoError(t, err)
	b := element.NewBuilder(element.Options{})
	button, _ := b.Build(nil, doc.MustFind("//button"))
	div, ok := b.Build(nil, doc.MustFind("//div"))
	require.True(t, ok)

	bid, ok := c.Add(button)
	require.True(t, ok)
	_, ok = c.Add(div)
	require.True(t, ok)
	require.Equal(t, 2, c.Len())

	got := c.FindByCategory("clickable", QueryOptions{})
	assert.Equal(t, []string{bid}, identities(got))
	assertConsistent(t, c)
}

func TestEviction_OldestAccessGoes(t *testing.T) {
	c := newCache(t, Config{MaxSize: 500})
	b := element.NewBuilder(element.Options{})

	ids := make([]string, 0, 501)
	for i := 0; i < 501; i++ {
		n := document.NewElement("button", map[string]string{"id": fmt.Sprintf("b%d", i)}, fmt.Sprintf("Button %d", i))
		s, ok := b.Build(nil, n)
		require.True(t, ok)
		if i == 500 {
			// Touch the ten oldest so b10 becomes the least recently used.
			for _, id := range ids[:10] {
				_, ok := c.Get(id)
				require.True(t, ok)
			}
		}
		id, ok := c.Add(s)
		require.True(t, ok)
		ids = append(ids, id)
	}

	assert.Equal(t, 500, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	_, ok := c.Get(ids[10])
	assert.False(t, ok, "least recently accessed entry evicted")
	for _, i := range []int{0, 9, 11, 499, 500} {
		_, ok := c.Get(ids[i])
		assert.True(t, ok, "entry %d kept", i)
	}
	assertConsistent(t, c)
}

func TestRemove_ClearsEveryIndex(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)
	login := l.ids["login"]
	require.NotEmpty(t, login)

	c.mu.Lock()
	h := c.byIdentity[login]
	c.mu.Unlock()

	require.True(t, c.Remove(login))
	assert.False(t, c.Remove(login))

	c.mu.Lock()
	for cat, set := range c.classes {
		assert.False(t, set.has(h), "class %s still holds removed slot", cat)
	}
	for _, idx := range []keyed{c.byType, c.byRole, c.bySelector, c.byText, c.byAttr} {
		for key, set := range idx {
			assert.False(t, set.has(h), "index key %q still holds removed slot", key)
		}
	}
	c.mu.Unlock()

	_, ok := c.Get(login)
	assert.False(t, ok)
	for _, r := range c.FindByIntent("log in", QueryOptions{}) {
		assert.NotEqual(t, login, r.Identity)
	}
	assertConsistent(t, c)
}

func TestConcurrentChurnStaysConsistent(t *testing.T) {
	c := newCache(t, Config{MaxSize: 64})
	b := element.NewBuilder(element.Options{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := document.NewElement("a", map[string]string{"id": fmt.Sprintf("w%d-%d", w, i), "href": "/x"}, "link")
				s, _ := b.Build(nil, n)
				id, ok := c.Add(s)
				if ok && i%3 == 0 {
					c.Remove(id)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.FindByCategory("navigation", QueryOptions{Limit: 5})
				c.Stats()
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	assertConsistent(t, c)
}

func TestAdd_SameNodeReplaces(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)
	before := c.Len()

	node := l.doc.MustFind("//button[@id='save']")
	require.NoError(t, l.doc.SetAttribute(node, "class", "btn primary"))
	var s *element.Snapshot
	_ = l.doc.View(func(tr document.Tree) error {
		s, _ = element.NewBuilder(element.DefaultOptions()).Build(tr, node)
		return nil
	})
	id, ok := c.Add(s)
	require.True(t, ok)

	assert.Equal(t, before, c.Len())
	assert.NotEqual(t, l.ids["save"], id, "class change re-keys the identity")
	got, ok := c.Lookup(node)
	require.True(t, ok)
	assert.Equal(t, id, got)
	_, ok = c.Get(l.ids["save"])
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Updates)
	assertConsistent(t, c)
}

func TestAdd_DisambiguatesCollisions(t *testing.T) {
	c := newCache(t, Config{})
	doc, err := document.ParseString(`<html><body><ul><li><button>Delete</button></li><li><button>Delete</button></li></ul></body></html>`)
	require.NoError(t, err)
	nodes, err := doc.Query("//button")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	b := element.NewBuilder(element.Options{})
	s1, _ := b.Build(nil, nodes[0])
	s2, _ := b.Build(nil, nodes[1])
	require.Equal(t, s1.Identity, s2.Identity, "structurally identical elements fingerprint alike")

	id1, _ := c.Add(s1)
	id2, _ := c.Add(s2)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, element.Disambiguate(id1, s2.Selector), id2)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Collisions)
	assertConsistent(t, c)
}

func TestUpdate(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)
	s, ok := c.Get(l.ids["home"])
	require.True(t, ok)
	s.Text = "Start"
	require.NoError(t, c.Update(l.ids["home"], s))

	got, ok := c.Get(l.ids["home"])
	require.True(t, ok)
	assert.Equal(t, "Start", got.Text)
	assert.ErrorIs(t, c.Update("nope", s), ErrNotFound)
	assert.Error(t, c.Update(l.ids["home"], nil))
	assertConsistent(t, c)
}

func TestVisibilityAndGeometryAreDeduplicated(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)
	node := l.doc.MustFind("//button[@id='save']")

	assert.False(t, c.UpdateVisibility(node, true), "already visible")
	assert.True(t, c.UpdateVisibility(node, false))
	assert.False(t, c.UpdateVisibility(node, false))

	r := document.Rect{X: 1, Y: 1, Width: 10, Height: 10}
	assert.True(t, c.UpdateGeometry(node, r))
	assert.False(t, c.UpdateGeometry(node, r))

	assert.False(t, c.UpdateVisibility(&html.Node{}, true), "unknown node")
	s, ok := c.PeekNode(node)
	require.True(t, ok)
	assert.False(t, s.Visible)
	assert.Equal(t, r, s.Geometry)
	assertConsistent(t, c)
}

func TestFindByIntent(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)

	t.Run("text and role", func(t *testing.T) {
		rs := c.FindByIntent("click the login button", QueryOptions{})
		require.NotEmpty(t, rs)
		assert.Equal(t, l.ids["login"], rs[0].Identity)
		assert.Contains(t, rs[0].MatchedBy, "role")
		for i := 1; i < len(rs); i++ {
			assert.GreaterOrEqual(t, rs[i-1].Score, rs[i].Score)
		}
	})

	t.Run("search field", func(t *testing.T) {
		rs := c.FindByIntent("search", QueryOptions{})
		require.NotEmpty(t, rs)
		assert.Equal(t, l.ids["q"], rs[0].Identity)
	})

	t.Run("hidden elements excluded", func(t *testing.T) {
		rs := c.FindByIntent("save", QueryOptions{})
		assert.Contains(t, identities(rs), l.ids["save"])
		assert.NotContains(t, identities(rs), l.ids["hidden-save"])

		rs = c.FindByIntent("save", QueryOptions{IncludeHidden: true})
		assert.Contains(t, identities(rs), l.ids["hidden-save"])
	})

	t.Run("category keyword delegates", func(t *testing.T) {
		assert.Equal(t,
			identities(c.FindInCategory(element.Navigation, QueryOptions{})),
			identities(c.FindByIntent("links", QueryOptions{})))
	})

	t.Run("fallback ranks interactables by priority", func(t *testing.T) {
		rs := c.FindByIntent("xyzzy plugh", QueryOptions{})
		require.NotEmpty(t, rs)
		for _, r := range rs {
			assert.True(t, r.Interactable)
			assert.Equal(t, []string{"fallback"}, r.MatchedBy)
		}
		assert.LessOrEqual(t, len(rs), 10)
	})

	t.Run("limit", func(t *testing.T) {
		assert.Len(t, c.FindByIntent("xyzzy", QueryOptions{Limit: 2}), 2)
	})

	t.Run("results are copies", func(t *testing.T) {
		rs := c.FindByIntent("login", QueryOptions{})
		require.NotEmpty(t, rs)
		rs[0].Attributes["id"] = "mutated"
		s, _ := c.Get(rs[0].Identity)
		assert.NotEqual(t, "mutated", s.Attributes["id"])
	})
}

func TestFindByCategory(t *testing.T) {
	c := newCache(t, Config{ResultLimit: 50})
	l := load(t, c)

	typeable := identities(c.FindByCategory("typeable", QueryOptions{}))
	assert.ElementsMatch(t, []string{l.ids["email"], l.ids["q"]}, typeable)

	media := identities(c.FindByCategory("media", QueryOptions{}))
	assert.Equal(t, []string{l.ids["logo"]}, media)

	byTag := identities(c.FindByCategory("img", QueryOptions{}))
	assert.Equal(t, []string{l.ids["logo"]}, byTag, "tag names resolve to the type bucket")

	visible := identities(c.FindByCategory("button", QueryOptions{VisibleOnly: true}))
	assert.NotContains(t, visible, l.ids["hidden-save"])
	assert.Contains(t, identities(c.FindByCategory("buttons", QueryOptions{})), l.ids["hidden-save"])

	interactive := identities(c.FindByCategory("interactive", QueryOptions{}))
	assert.Contains(t, interactive, l.ids["email"])
	assert.NotContains(t, interactive, l.ids["plain"])

	// Unknown categories resolve as intents.
	assert.Equal(t, l.ids["login"], c.FindByCategory("log in", QueryOptions{})[0].Identity)
}

func TestGetAll(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)

	all := c.GetAll(Filter{})
	assert.Len(t, all, c.Len())
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Priority, all[i].Priority)
	}

	links := identities(c.GetAll(Filter{Role: "link"}))
	assert.ElementsMatch(t, []string{l.ids["home"], l.ids["docs"]}, links)

	assert.Len(t, c.GetAll(Filter{Tag: "button", VisibleOnly: true}), 2)
	assert.Len(t, c.GetAll(Filter{Limit: 3}), 3)
	assert.Empty(t, c.GetAll(Filter{Category: "nonsense"}))
	assert.NotContains(t, identities(c.GetAll(Filter{InteractableOnly: true})), l.ids["plain"])
	assert.Contains(t, identities(c.GetAll(Filter{Category: "content"})), l.ids["plain"])
}

func TestSweepStale(t *testing.T) {
	c := newCache(t, Config{MinSweepInterval: time.Hour})
	l := load(t, c)
	before := c.Len()

	require.NoError(t, l.doc.Remove(l.doc.MustFind("//nav")))

	var removed int
	var ran bool
	_ = l.doc.View(func(tr document.Tree) error {
		removed, ran = c.SweepStale(tr)
		return nil
	})
	assert.True(t, ran)
	assert.Equal(t, 3, removed, "nav and both links")
	assert.Equal(t, before-3, c.Len())
	assert.Equal(t, uint64(3), c.Stats().StaleRemoved)

	_ = l.doc.View(func(tr document.Tree) error {
		_, ran = c.SweepStale(tr)
		return nil
	})
	assert.False(t, ran, "rate limited")
	assertConsistent(t, c)
}

func TestVerify_RepairsCorruption(t *testing.T) {
	c := newCache(t, Config{MinSweepInterval: time.Hour})
	l := load(t, c)

	r, ran := c.VerifyConsistency()
	require.True(t, ran)
	assert.True(t, r.Consistent, r.Problems)
	assert.Equal(t, c.Len(), r.Checked)

	_, ran = c.VerifyConsistency()
	assert.False(t, ran)

	c.mu.Lock()
	c.classes[element.Clickable].set(Handle(len(c.slots) + 3))
	c.classes[element.Media].set(c.byIdentity[l.ids["login"]])
	c.mu.Unlock()

	r = c.Verify()
	assert.False(t, r.Consistent)
	assert.Equal(t, 1, r.Orphans)
	assert.GreaterOrEqual(t, r.Misclassified, 1)

	assert.True(t, c.Verify().Consistent)
	assertConsistent(t, c)
}

func TestSetMaxSizeEvicts(t *testing.T) {
	c := newCache(t, Config{})
	load(t, c)
	require.NoError(t, c.SetMaxSize(3))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 3, c.MaxSize())
	assert.Error(t, c.SetMaxSize(0))
	assertConsistent(t, c)
}

func TestSummaryDebugAndClear(t *testing.T) {
	c := newCache(t, Config{})
	l := load(t, c)

	sum := c.ClassificationSummary()
	assert.Equal(t, c.Len(), sum.Total)
	assert.Equal(t, 3, sum.ByType["button"])
	assert.Equal(t, 1, sum.ByContext["media"])
	assert.Equal(t, 2, sum.ByAction["typeable"])

	d := c.DebugInfo()
	assert.Equal(t, c.Len(), d.Stats.Size)
	require.NotEmpty(t, d.MostRecent)
	assert.Contains(t, d.TextTokens, "documentation")

	_, _ = c.Get(l.ids["home"])
	assert.Equal(t, l.ids["home"], c.DebugInfo().MostRecent[0].Identity)

	assert.Greater(t, c.EstimatedBytes(), uint64(0))
	assert.NoError(t, c.SetResultLimit(2))
	assert.Error(t, c.SetResultLimit(0))
	assert.Len(t, c.Nodes(), c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.EstimatedBytes())
	assert.Empty(t, c.FindByCategory("clickable", QueryOptions{}))
	assertConsistent(t, c)
}
