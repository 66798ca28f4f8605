package observer

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
)

const (
	outcomeApplied   = "applied"
	outcomeUnchanged = "unchanged"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// batchState is shared by the changes of one batch.
type batchState struct {
	discoverLeft int
	capped       bool
	track        []*html.Node
	untrack      []*html.Node
}

// apply handles one change. A failure is logged and counted, never
// propagated, so one bad notification cannot stall the rest.
func (o *Observer) apply(t document.Tree, b *batchState, c document.Change) {
	kind := c.Kind.String()
	outcome := outcomeFailed
	defer func() {
		if r := recover(); r != nil {
			o.n.failed.Add(1)
			o.logger.Error("Skipping change notification after panic.",
				zap.String("kind", kind), zap.Any("panic", r))
			outcome = outcomeFailed
		}
		o.metrics.Change(kind, outcome)
	}()

	var err error
	switch c.Kind {
	case document.ChildList:
		outcome = o.applyStructural(t, b, c)
	case document.Attributes:
		outcome = o.applyAttribute(t, b, c)
	case document.CharacterData:
		outcome = o.applyText(t, b, c)
	case document.Visibility:
		outcome = o.dedup(o.cache.UpdateVisibility(c.Target, c.Visible))
	case document.Resize:
		outcome = o.dedup(o.cache.UpdateGeometry(c.Target, c.Rect))
	default:
		err = fmt.Errorf("unknown change kind %s", kind)
	}
	if err != nil {
		o.n.failed.Add(1)
		o.logger.Warn("Skipping change notification.", zap.String("kind", kind), zap.Error(err))
		return
	}
	o.n.processed.Add(1)
}

func (o *Observer) dedup(written bool) string {
	if !written {
		o.n.unchanged.Add(1)
		return outcomeUnchanged
	}
	o.n.updated.Add(1)
	return outcomeApplied
}

// applyStructural purges removed subtrees and indexes added ones. A removed
// node that is still reachable from the root was moved, not deleted, and is
// kept; its addition elsewhere arrives as a separate notification.
func (o *Observer) applyStructural(t document.Tree, b *batchState, c document.Change) string {
	outcome := outcomeSkipped
	for _, n := range c.Removed {
		if t.Contains(n) {
			continue
		}
		if o.purge(b, n) > 0 {
			outcome = outcomeApplied
		}
	}
	for _, n := range c.Added {
		if !t.Contains(n) {
			continue
		}
		if o.discover(t, b, n) > 0 {
			outcome = outcomeApplied
		}
	}
	return outcome
}

// purge removes n and its descendants from the cache.
func (o *Observer) purge(b *batchState, n *html.Node) int {
	removed := 0
	document.Walk(n, func(d *html.Node) bool {
		if o.cache.RemoveNode(d) {
			removed++
			b.untrack = append(b.untrack, d)
		}
		return true
	})
	o.n.removed.Add(uint64(removed))
	return removed
}

// discover indexes every relevant element in the subtree at n, up to the
// per-batch discovery cap.
func (o *Observer) discover(t document.Tree, b *batchState, n *html.Node) int {
	added := 0
	document.Walk(n, func(d *html.Node) bool {
		if b.discoverLeft <= 0 {
			if !b.capped {
				b.capped = true
				o.n.capped.Add(1)
				o.logger.Debug("Discovery cap reached for this batch.",
					zap.Int("max", o.cfg.MaxDiscoverPerBatch))
			}
			return false
		}
		b.discoverLeft--
		if o.index(t, b, d) {
			added++
		}
		return true
	})
	return added
}

// index builds and admits d, registering it for visibility and size tracking.
func (o *Observer) index(t document.Tree, b *batchState, d *html.Node) bool {
	_, existed := o.cache.Lookup(d)
	if _, ok := o.cache.AddNode(o.builder, t, d); !ok {
		return false
	}
	if existed {
		o.n.updated.Add(1)
	} else {
		o.n.added.Add(1)
		b.track = append(b.track, d)
	}
	return true
}

// applyAttribute rebuilds the target only when the attribute's value differs
// from the indexed one. An element that stops being relevant is dropped; one
// that becomes relevant is admitted.
func (o *Observer) applyAttribute(t document.Tree, b *batchState, c document.Change) string {
	n := c.Target
	if n == nil || !t.Contains(n) {
		return outcomeSkipped
	}
	prev, cached := o.cache.PeekNode(n)
	if cached {
		name := strings.ToLower(c.AttributeName)
		cur, present := attr(n, name)
		old, had := prev.Attributes[name]
		if present == had && cur == old {
			o.n.unchanged.Add(1)
			return outcomeUnchanged
		}
		return o.rebuild(t, b, n)
	}
	if o.index(t, b, n) {
		return outcomeApplied
	}
	return outcomeSkipped
}

// applyText rebuilds the nearest cached element at or above the target, or
// admits the target if it has become relevant.
func (o *Observer) applyText(t document.Tree, b *batchState, c document.Change) string {
	if c.Target == nil || !t.Contains(c.Target) {
		return outcomeSkipped
	}
	for p := c.Target; p != nil; p = p.Parent {
		if _, ok := o.cache.Lookup(p); ok {
			return o.rebuild(t, b, p)
		}
	}
	if o.index(t, b, c.Target) {
		return outcomeApplied
	}
	return outcomeSkipped
}

// rebuild re-snapshots a cached node, or drops it when it no longer passes the
// relevance filter.
func (o *Observer) rebuild(t document.Tree, b *batchState, n *html.Node) string {
	if _, ok := o.cache.AddNode(o.builder, t, n); ok {
		o.n.updated.Add(1)
		return outcomeApplied
	}
	if o.cache.RemoveNode(n) {
		o.n.removed.Add(1)
		b.untrack = append(b.untrack, n)
	}
	return outcomeApplied
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.ToLower(a.Key) == key {
			return a.Val, true
		}
	}
	return "", false
}
