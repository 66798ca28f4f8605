package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
)

func TestCompress(t *testing.T) {
	a, b := &html.Node{Data: "a"}, &html.Node{Data: "b"}
	in := []document.Change{
		{Kind: document.Attributes, Target: a, AttributeName: "class", OldValue: "one"},
		{Kind: document.Attributes, Target: a, AttributeName: "class", OldValue: "two"},
		{Kind: document.Attributes, Target: a, AttributeName: "title", OldValue: "x"},
		{Kind: document.ChildList, Target: a},
		{Kind: document.ChildList, Target: a},
		{Kind: document.Visibility, Target: b, Visible: true},
		{Kind: document.Visibility, Target: b, Visible: false},
		{Kind: document.Resize, Target: b},
		{Kind: document.CharacterData, Target: a, OldValue: "first"},
		{Kind: document.CharacterData, Target: b, OldValue: "other"},
	}
	out := compress(in)
	require.Len(t, out, 8)

	assert.Equal(t, "class", out[0].AttributeName)
	assert.Equal(t, "one", out[0].OldValue, "keeps the first old value")
	assert.Equal(t, "title", out[1].AttributeName)
	assert.Equal(t, document.ChildList, out[2].Kind)
	assert.Equal(t, document.ChildList, out[3].Kind)
	assert.False(t, out[4].Visible, "keeps the last state")
	assert.Equal(t, document.Resize, out[5].Kind)
	assert.Equal(t, a, out[6].Target)
	assert.Equal(t, b, out[7].Target)
}

func TestDebouncer_FlushesOnSizeOrWindow(t *testing.T) {
	var got [][]document.Change
	d := newDebouncer(time.Hour, func() int { return 2 }, func(batch []document.Change) {
		got = append(got, batch)
	})
	n := &html.Node{}

	assert.False(t, d.add(document.Change{Kind: document.ChildList, Target: n}))
	assert.NotNil(t, d.timerC())
	assert.True(t, d.add(document.Change{Kind: document.ChildList, Target: n}))
	assert.Nil(t, d.timerC())
	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)

	d.add(document.Change{Kind: document.Resize, Target: n})
	d.flush()
	require.Len(t, got, 2)
	assert.Len(t, got[1], 1)

	d.flush()
	assert.Len(t, got, 2, "an empty flush emits nothing")
}
