package cache

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/document"
	"github.com/xkilldash9x/elementindex/internal/element"
)

// SweepStale removes entries whose node is no longer reachable in t, at most
// once per minimum sweep interval. ran is false when the call was rate limited.
// Must be called inside Document.View.
func (c *Cache) SweepStale(t document.Tree) (removed int, ran bool) {
	if !c.sweepLimiter.Allow() {
		return 0, false
	}
	return c.Sweep(t), true
}

// Sweep is SweepStale without the rate limit.
func (c *Cache) Sweep(t document.Tree) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale []Handle
	for _, h := range c.byIdentity {
		if n := c.slots[h].snap.Node; n != nil && !t.Contains(n) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		c.removeLocked(h)
		c.n.stale++
		c.metrics.CacheEvent("stale")
	}
	if len(stale) > 0 {
		c.logger.Debug("Swept stale elements.", zap.Int("removed", len(stale)))
	}
	return len(stale)
}

// Report is the outcome of a consistency verification.
type Report struct {
	Checked       int       `json:"checked"`
	Orphans       int       `json:"orphans"`
	Misclassified int       `json:"misclassified"`
	Problems      []string  `json:"problems,omitempty"`
	Consistent    bool      `json:"consistent"`
	At            time.Time `json:"at"`
}

// VerifyConsistency runs Verify at most once per minimum sweep interval.
func (c *Cache) VerifyConsistency() (Report, bool) {
	if !c.verifyLimiter.Allow() {
		return Report{}, false
	}
	return c.Verify(), true
}

// Verify checks every invariant the cache maintains and repairs what it finds:
// orphaned index members are dropped and misclassified entries reindexed.
// Consistent reports the state before repair.
func (c *Cache) Verify() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Report{At: c.now()}
	problem := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	live := 0
	for i := range c.slots {
		if c.slots[i].live {
			live++
		}
	}
	if live != len(c.byIdentity) {
		problem("%d live slots but %d identities", live, len(c.byIdentity))
	}
	if live != c.lru.Len() {
		problem("%d live slots but %d recency entries", live, c.lru.Len())
	}
	if len(c.byIdentity) > c.cfg.MaxSize {
		problem("size %d exceeds max %d", len(c.byIdentity), c.cfg.MaxSize)
	}

	for id, h := range c.byIdentity {
		r.Checked++
		sl := &c.slots[h]
		if !sl.live || sl.snap == nil || sl.snap.Identity != id {
			problem("identity %s maps to a dead or foreign slot", id)
			continue
		}
		if n := sl.snap.Node; n != nil && c.byNode[n] != h {
			problem("node index disagrees for %s", id)
		}
		if want := element.Classify(sl.snap); want != sl.classes || !c.membershipMatchesLocked(h) {
			r.Misclassified++
			c.deindexLocked(h)
			c.indexLocked(h)
		}
	}

	for _, set := range c.classes {
		r.Orphans += c.dropOrphansLocked(set)
	}
	for _, idx := range []keyed{c.byType, c.byRole, c.bySelector, c.byText, c.byAttr} {
		for key, set := range idx {
			r.Orphans += c.dropOrphansLocked(set)
			if set.len() == 0 {
				delete(idx, key)
			}
		}
	}
	if r.Orphans > 0 {
		problem("%d index members referenced missing entries", r.Orphans)
	}
	if r.Misclassified > 0 {
		problem("%d entries were misclassified", r.Misclassified)
	}

	r.Consistent = len(r.Problems) == 0
	if !r.Consistent {
		c.logger.Warn("Cache consistency problems repaired.", zap.Strings("problems", r.Problems))
	}
	return r
}

func (c *Cache) membershipMatchesLocked(h Handle) bool {
	classes := c.slots[h].classes
	for cat, set := range c.classes {
		if set.has(h) != classes.Has(cat) {
			return false
		}
	}
	return true
}

func (c *Cache) dropOrphansLocked(set *bitset) int {
	var orphans []Handle
	set.each(func(h Handle) {
		if int(h) >= len(c.slots) || !c.slots[h].live {
			orphans = append(orphans, h)
		}
	})
	for _, h := range orphans {
		set.clear(h)
	}
	return len(orphans)
}

// Stats summarizes the cache.
type Stats struct {
	Size           int            `json:"size"`
	MaxSize        int            `json:"maxSize"`
	Hits           uint64         `json:"hits"`
	Misses         uint64         `json:"misses"`
	Adds           uint64         `json:"adds"`
	Updates        uint64         `json:"updates"`
	Removals       uint64         `json:"removals"`
	Evictions      uint64         `json:"evictions"`
	StaleRemoved   uint64         `json:"staleRemoved"`
	Collisions     uint64         `json:"collisions"`
	Rejected       uint64         `json:"rejected"`
	EstimatedBytes uint64         `json:"estimatedBytes"`
	Indexes        map[string]int `json:"indexes"`
}

// Stats returns counters and index sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytes := c.bytes
	if bytes < 0 {
		bytes = 0
	}
	return Stats{
		Size:           len(c.byIdentity),
		MaxSize:        c.cfg.MaxSize,
		Hits:           c.n.hits,
		Misses:         c.n.misses,
		Adds:           c.n.adds,
		Updates:        c.n.updates,
		Removals:       c.n.removals,
		Evictions:      c.n.evictions,
		StaleRemoved:   c.n.stale,
		Collisions:     c.n.collisions,
		Rejected:       c.n.rejected,
		EstimatedBytes: uint64(bytes),
		Indexes: map[string]int{
			"type":      len(c.byType),
			"text":      len(c.byText),
			"role":      len(c.byRole),
			"selector":  len(c.bySelector),
			"attribute": len(c.byAttr),
		},
	}
}

// Summary counts members per classification bucket.
type Summary struct {
	Total     int            `json:"total"`
	ByType    map[string]int `json:"byType"`
	ByAction  map[string]int `json:"byAction"`
	ByContext map[string]int `json:"byContext"`
}

// ClassificationSummary returns the size of every bucket.
func (c *Cache) ClassificationSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{
		Total:     len(c.byIdentity),
		ByType:    make(map[string]int, len(c.byType)),
		ByAction:  make(map[string]int, len(element.ActionCategories)),
		ByContext: make(map[string]int, len(element.ContextCategories)),
	}
	for tag, set := range c.byType {
		s.ByType[tag] = set.len()
	}
	for _, cat := range element.ActionCategories {
		s.ByAction[cat.String()] = c.classes[cat].len()
	}
	for _, cat := range element.ContextCategories {
		s.ByContext[cat.String()] = c.classes[cat].len()
	}
	return s
}

// DebugEntry describes one slot for DebugInfo.
type DebugEntry struct {
	Handle     Handle    `json:"handle"`
	Identity   string    `json:"identity"`
	Tag        string    `json:"tag"`
	Selector   string    `json:"selector"`
	Classes    []string  `json:"classes"`
	LastAccess time.Time `json:"lastAccess"`
}

// DebugInfo exposes arena and recency internals.
type DebugInfo struct {
	Stats       Stats        `json:"stats"`
	ArenaSlots  int          `json:"arenaSlots"`
	FreeSlots   int          `json:"freeSlots"`
	MostRecent  []DebugEntry `json:"mostRecent"`
	LeastRecent []DebugEntry `json:"leastRecent"`
	TextTokens  []string     `json:"textTokens"`
}

const debugSample = 10

// DebugInfo returns a sample of the cache internals.
func (c *Cache) DebugInfo() DebugInfo {
	st := c.Stats()

	c.mu.Lock()
	defer c.mu.Unlock()
	d := DebugInfo{
		Stats:      st,
		ArenaSlots: len(c.slots),
		FreeSlots:  len(c.free),
	}
	entry := func(h Handle) DebugEntry {
		sl := &c.slots[h]
		return DebugEntry{
			Handle:     h,
			Identity:   sl.snap.Identity,
			Tag:        sl.snap.Tag,
			Selector:   sl.snap.Selector,
			Classes:    sl.classes.Names(),
			LastAccess: sl.lastAccess,
		}
	}
	for e, i := c.lru.Front(), 0; e != nil && i < debugSample; e, i = e.Next(), i+1 {
		d.MostRecent = append(d.MostRecent, entry(e.Value.(Handle)))
	}
	for e, i := c.lru.Back(), 0; e != nil && i < debugSample; e, i = e.Prev(), i+1 {
		d.LeastRecent = append(d.LeastRecent, entry(e.Value.(Handle)))
	}
	for tok := range c.byText {
		d.TextTokens = append(d.TextTokens, tok)
	}
	sort.Strings(d.TextTokens)
	if len(d.TextTokens) > 5*debugSample {
		d.TextTokens = d.TextTokens[:5*debugSample]
	}
	return d
}
