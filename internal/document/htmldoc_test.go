package document

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const fixture = `<html><body>
<nav id="top"><a id="home" href="/">Home</a></nav>
<main id="main"><button id="go" class="btn">Go</button><div id="plain">text</div></main>
</body></html>`

func mustParse(t *testing.T, opts ...Option) *HTMLDocument {
	t.Helper()
	d, err := ParseString(fixture, opts...)
	require.NoError(t, err)
	return d
}

func next(t *testing.T, d *HTMLDocument) Change {
	t.Helper()
	select {
	case c := <-d.Changes():
		return c
	default:
		t.Fatal("expected a change notification")
		return Change{}
	}
}

func TestHTMLDocument_StructuralChanges(t *testing.T) {
	d := mustParse(t)
	main := d.MustFind("//main")

	btn := NewElement("button", map[string]string{"id": "new"}, "New")
	require.NoError(t, d.AppendChild(main, btn))

	c := next(t, d)
	assert.Equal(t, ChildList, c.Kind)
	assert.Same(t, main, c.Target)
	require.Len(t, c.Added, 1)
	assert.Same(t, btn, c.Added[0])
	assert.False(t, c.At.IsZero())

	require.NoError(t, d.Remove(btn))
	c = next(t, d)
	require.Len(t, c.Removed, 1)
	assert.Same(t, btn, c.Removed[0])

	err := d.View(func(tr Tree) error {
		assert.False(t, tr.Contains(btn))
		assert.True(t, tr.Contains(main))
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, d.Remove(btn), ErrDetached)
}

func TestHTMLDocument_MoveReportsRemoveThenAdd(t *testing.T) {
	d := mustParse(t)
	btn := d.MustFind("//button[@id='go']")
	nav := d.MustFind("//nav")

	require.NoError(t, d.Move(btn, nav))

	removed := next(t, d)
	added := next(t, d)
	assert.Equal(t, []*html.Node{btn}, removed.Removed)
	assert.Equal(t, []*html.Node{btn}, added.Added)
	assert.Same(t, nav, added.Target)

	_ = d.View(func(tr Tree) error {
		assert.True(t, tr.Contains(btn), "a moved node is still attached")
		return nil
	})

	assert.Error(t, d.Move(nav, btn), "cannot move into own subtree")
}

func TestHTMLDocument_AttributeAndTextChanges(t *testing.T) {
	d := mustParse(t)
	btn := d.MustFind("//button[@id='go']")

	require.NoError(t, d.SetAttribute(btn, "class", "btn primary"))
	c := next(t, d)
	assert.Equal(t, Attributes, c.Kind)
	assert.Equal(t, "class", c.AttributeName)
	assert.Equal(t, "btn", c.OldValue)

	require.NoError(t, d.RemoveAttribute(btn, "class"))
	c = next(t, d)
	assert.Equal(t, "btn primary", c.OldValue)

	oldText := btn.FirstChild
	require.NoError(t, d.SetText(btn, "Launch"))
	c = next(t, d)
	assert.Equal(t, ChildList, c.Kind)
	assert.Same(t, btn, c.Target)
	assert.Equal(t, []*html.Node{oldText}, c.Removed)
	require.Len(t, c.Added, 1)
	assert.Equal(t, "Launch", c.Added[0].Data)
	c = next(t, d)
	assert.Equal(t, CharacterData, c.Kind)
	assert.Equal(t, "Go", c.OldValue)

	var sb strings.Builder
	require.NoError(t, d.Render(&sb))
	assert.Contains(t, sb.String(), "Launch")
}

func TestHTMLDocument_VisibilityOnlyForTrackedNodes(t *testing.T) {
	d := mustParse(t)
	btn := d.MustFind("//button[@id='go']")

	d.SetVisibility(btn, false)
	select {
	case c := <-d.Changes():
		t.Fatalf("untracked node produced %v", c.Kind)
	default:
	}

	d.Track(btn)
	assert.True(t, d.Tracked(btn))
	d.SetVisibility(btn, true)
	c := next(t, d)
	assert.Equal(t, Visibility, c.Kind)
	assert.True(t, c.Visible)

	d.SetGeometry(btn, Rect{X: 1, Y: 2, Width: 30, Height: 10})
	c = next(t, d)
	assert.Equal(t, Resize, c.Kind)
	assert.Equal(t, 300.0, c.Rect.Area())

	_ = d.View(func(tr Tree) error {
		l, ok := tr.Layout(btn)
		assert.True(t, ok)
		assert.True(t, l.Visible)
		return nil
	})

	d.Untrack(btn)
	assert.False(t, d.Tracked(btn))
}

func TestHTMLDocument_OverflowIsCountedNotBlocking(t *testing.T) {
	d := mustParse(t, WithChangeBuffer(1))
	btn := d.MustFind("//button[@id='go']")

	require.NoError(t, d.SetAttribute(btn, "data-a", "1"))
	require.NoError(t, d.SetAttribute(btn, "data-b", "2"))
	require.NoError(t, d.SetAttribute(btn, "data-c", "3"))

	assert.Equal(t, uint64(2), d.Dropped())
}

func TestHTMLDocument_CloseStopsPublishing(t *testing.T) {
	d := mustParse(t)
	d.Close()
	d.Close()

	btn := d.MustFind("//button[@id='go']")
	require.NoError(t, d.SetAttribute(btn, "title", "x"))

	_, open := <-d.Changes()
	assert.False(t, open)
}

func TestWalkPrunes(t *testing.T) {
	d := mustParse(t)
	var seen []string
	_ = d.View(func(tr Tree) error {
		Walk(tr.Root(), func(n *html.Node) bool {
			seen = append(seen, n.Data)
			return n.Data != "nav"
		})
		return nil
	})
	assert.Contains(t, seen, "nav")
	assert.NotContains(t, seen, "a", "children of a pruned node are skipped")
	assert.Contains(t, seen, "button")
}

func TestLoaders(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "page.html")
		require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
		d, err := LoadFile(path)
		require.NoError(t, err)
		assert.NotNil(t, d.MustFind("//button"))

		_, err = LoadFile(filepath.Join(t.TempDir(), "missing.html"))
		assert.Error(t, err)
	})

	t.Run("url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/gone" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(fixture))
		}))
		defer srv.Close()

		d, err := LoadURL(context.Background(), srv.Client(), srv.URL)
		require.NoError(t, err)
		assert.NotNil(t, d.MustFind("//nav"))

		_, err = LoadURL(context.Background(), srv.Client(), srv.URL+"/gone")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 404")
	})

	t.Run("compressed url", func(t *testing.T) {
		var br, gz bytes.Buffer
		bw := brotli.NewWriter(&br)
		_, _ = bw.Write([]byte(fixture))
		require.NoError(t, bw.Close())
		gw := gzip.NewWriter(&gz)
		_, _ = gw.Write([]byte(fixture))
		require.NoError(t, gw.Close())

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
			switch r.URL.Path {
			case "/br":
				w.Header().Set("Content-Encoding", "br")
				_, _ = w.Write(br.Bytes())
			case "/gzip":
				w.Header().Set("Content-Encoding", "gzip")
				_, _ = w.Write(gz.Bytes())
			default:
				w.Header().Set("Content-Encoding", "zstd")
				_, _ = w.Write([]byte("??"))
			}
		}))
		defer srv.Close()

		for _, path := range []string{"/br", "/gzip"} {
			d, err := LoadURL(context.Background(), srv.Client(), srv.URL+path)
			require.NoError(t, err, path)
			assert.NotNil(t, d.MustFind("//button[@id='go']"), path)
		}

		_, err := LoadURL(context.Background(), srv.Client(), srv.URL+"/zstd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported content encoding")
	})
}
