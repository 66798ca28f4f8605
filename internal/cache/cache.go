// Package cache is the multi-index store of element snapshots. Snapshots live
// in an arena of slots addressed by Handle; every classification and search
// index is a set of handles. All mutation happens under one lock, so no
// reader ever sees an identity present in one index and absent from another.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/elementindex/internal/document"
	"github.com/xkilldash9x/elementindex/internal/element"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

// ErrNotFound is returned for an identity the cache does not hold.
var ErrNotFound = errors.New("cache: identity not found")

// Handle addresses a slot in the arena. Handles are reused after removal.
type Handle uint32

// Config tunes the cache.
type Config struct {
	MaxSize          int
	ResultLimit      int
	FallbackLimit    int
	MinSweepInterval time.Duration
	ViewportHeight   float64
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 500
	}
	if c.ResultLimit <= 0 {
		c.ResultLimit = 10
	}
	if c.FallbackLimit <= 0 {
		c.FallbackLimit = 10
	}
	if c.MinSweepInterval <= 0 {
		c.MinSweepInterval = 10 * time.Second
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 900
	}
}

type slot struct {
	live       bool
	snap       *element.Snapshot
	classes    element.Classes
	lastAccess time.Time
	lru        *list.Element
	bytes      int

	// keys recorded at index time so removal clears exactly what was added.
	typeKey     string
	roleKey     string
	selectorKey string
	textKeys    []string
	attrKeys    []string
}

type counters struct {
	hits, misses, adds, updates, removals, evictions, stale, collisions, rejected uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu         sync.Mutex
	cfg        Config
	slots      []slot
	free       []Handle
	byIdentity map[string]Handle
	byNode     map[*html.Node]Handle
	lru        *list.List // front is most recently accessed; values are Handle
	bytes      int

	byType  keyed
	classes map[element.Category]*bitset

	byText     keyed
	byRole     keyed
	bySelector keyed
	byAttr     keyed

	sweepLimiter  *rate.Limiter
	verifyLimiter *rate.Limiter

	n counters
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics exports cache size and mutation counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds an empty cache.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Cache {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		logger: logger.Named("cache"),
		now:    time.Now,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sweepLimiter = rate.NewLimiter(rate.Every(cfg.MinSweepInterval), 1)
	c.verifyLimiter = rate.NewLimiter(rate.Every(cfg.MinSweepInterval), 1)
	c.resetLocked()
	return c
}

func (c *Cache) resetLocked() {
	c.slots = nil
	c.free = nil
	c.byIdentity = make(map[string]Handle)
	c.byNode = make(map[*html.Node]Handle)
	c.lru = list.New()
	c.bytes = 0
	c.byType = make(keyed)
	c.classes = make(map[element.Category]*bitset, len(element.ActionCategories)+len(element.ContextCategories))
	for _, cat := range element.ActionCategories {
		c.classes[cat] = &bitset{}
	}
	for _, cat := range element.ContextCategories {
		c.classes[cat] = &bitset{}
	}
	c.byText = make(keyed)
	c.byRole = make(keyed)
	c.bySelector = make(keyed)
	c.byAttr = make(keyed)
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byIdentity)
}

// MaxSize returns the capacity.
func (c *Cache) MaxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.MaxSize
}

// Add admits s and returns the identity it is stored under. Irrelevant
// snapshots are rejected. A snapshot for a node already cached replaces the
// previous one. When the fingerprint is already held by a different element,
// the identity is disambiguated with the element's selector. The cache takes
// ownership of s.
func (c *Cache) Add(s *element.Snapshot) (string, bool) {
	if s == nil || !s.Relevant() {
		c.mu.Lock()
		c.n.rejected++
		c.mu.Unlock()
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Node != nil {
		if h, ok := c.byNode[s.Node]; ok {
			c.replaceLocked(h, s)
			return c.slots[h].snap.Identity, true
		}
	} else if h, ok := c.byIdentity[s.Identity]; ok && c.slots[h].snap.Node == nil {
		// Detached snapshots have no node to tell them apart.
		c.replaceLocked(h, s)
		return s.Identity, true
	}

	s.Identity = c.uniqueIdentityLocked(s)

	for len(c.byIdentity) >= c.cfg.MaxSize {
		if !c.evictLocked() {
			break
		}
	}

	h := c.allocLocked()
	sl := &c.slots[h]
	*sl = slot{live: true, snap: s, bytes: s.EstimatedBytes()}
	c.byIdentity[s.Identity] = h
	if s.Node != nil {
		c.byNode[s.Node] = h
	}
	sl.lru = c.lru.PushFront(h)
	c.touchLocked(h)
	c.bytes += sl.bytes

	// Indexes follow the committed store.
	c.indexLocked(h)

	c.n.adds++
	c.metrics.CacheEvent("add")
	c.metrics.SetCacheSize(len(c.byIdentity))
	return s.Identity, true
}

// AddNode builds a snapshot for n with b and admits it. Must be called inside
// Document.View.
func (c *Cache) AddNode(b *element.Builder, t document.Tree, n *html.Node) (string, bool) {
	s, ok := b.Build(t, n)
	if !ok {
		c.mu.Lock()
		c.n.rejected++
		c.mu.Unlock()
		return "", false
	}
	return c.Add(s)
}

func (c *Cache) uniqueIdentityLocked(s *element.Snapshot) string {
	id := s.Identity
	if _, taken := c.byIdentity[id]; !taken {
		return id
	}
	c.n.collisions++
	base := id
	id = element.Disambiguate(base, s.Selector)
	for i := 1; ; i++ {
		if _, taken := c.byIdentity[id]; !taken {
			break
		}
		id = element.Disambiguate(base, fmt.Sprintf("%s#%d", s.Selector, i))
	}
	c.logger.Debug("Identity collision disambiguated.",
		zap.String("fingerprint", base), zap.String("identity", id))
	return id
}

func (c *Cache) allocLocked() Handle {
	if n := len(c.free); n > 0 {
		h := c.free[n-1]
		c.free = c.free[:n-1]
		return h
	}
	c.slots = append(c.slots, slot{})
	return Handle(len(c.slots) - 1)
}

func (c *Cache) touchLocked(h Handle) {
	sl := &c.slots[h]
	sl.lastAccess = c.now()
	if sl.lru != nil {
		c.lru.MoveToFront(sl.lru)
	}
}

// replaceLocked swaps the snapshot in slot h, re-keying the identity when the
// fingerprint changed. Indexes are cleared first and rebuilt after the new
// snapshot is committed.
func (c *Cache) replaceLocked(h Handle, s *element.Snapshot) {
	sl := &c.slots[h]
	old := sl.snap
	c.deindexLocked(h)

	if s.Identity != old.Identity {
		delete(c.byIdentity, old.Identity)
		s.Identity = c.uniqueIdentityLocked(s)
		c.byIdentity[s.Identity] = h
	} else {
		s.Identity = old.Identity
	}
	if old.Node != s.Node {
		delete(c.byNode, old.Node)
		if s.Node != nil {
			c.byNode[s.Node] = h
		}
	}

	c.bytes -= sl.bytes
	sl.snap = s
	sl.bytes = s.EstimatedBytes()
	c.bytes += sl.bytes
	c.touchLocked(h)

	c.indexLocked(h)

	c.n.updates++
	c.metrics.CacheEvent("update")
}

// Update replaces the snapshot stored under identity.
func (c *Cache) Update(identity string, s *element.Snapshot) error {
	if s == nil {
		return fmt.Errorf("cache: nil snapshot for %s", identity)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byIdentity[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	if s.Identity == "" {
		s.Identity = identity
	}
	c.replaceLocked(h, s)
	return nil
}

// UpdateVisibility records a visibility transition for the element backing
// node. It reports false, writing nothing, when the node is not cached or the
// state is unchanged.
func (c *Cache) UpdateVisibility(node *html.Node, visible bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNode[node]
	if !ok || c.slots[h].snap.Visible == visible {
		return false
	}
	next := c.slots[h].snap.Clone()
	next.Visible = visible
	next.LastSeen = c.now()
	next.Priority = element.Score(next, c.cfg.ViewportHeight)
	c.replaceLocked(h, next)
	return true
}

// UpdateGeometry records a size or position change; see UpdateVisibility.
func (c *Cache) UpdateGeometry(node *html.Node, r document.Rect) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNode[node]
	if !ok || c.slots[h].snap.Geometry == r {
		return false
	}
	next := c.slots[h].snap.Clone()
	next.Geometry = r
	next.LastSeen = c.now()
	next.Priority = element.Score(next, c.cfg.ViewportHeight)
	c.replaceLocked(h, next)
	return true
}

// Remove deletes identity from the store and every index.
func (c *Cache) Remove(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byIdentity[identity]
	if !ok {
		return false
	}
	c.removeLocked(h)
	c.n.removals++
	c.metrics.CacheEvent("remove")
	return true
}

// RemoveNode deletes the snapshot built from node, if any.
func (c *Cache) RemoveNode(node *html.Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNode[node]
	if !ok {
		return false
	}
	c.removeLocked(h)
	c.n.removals++
	c.metrics.CacheEvent("remove")
	return true
}

// removeLocked clears the indexes before the main store.
func (c *Cache) removeLocked(h Handle) {
	sl := &c.slots[h]
	c.deindexLocked(h)
	delete(c.byIdentity, sl.snap.Identity)
	if sl.snap.Node != nil {
		delete(c.byNode, sl.snap.Node)
	}
	if sl.lru != nil {
		c.lru.Remove(sl.lru)
	}
	c.bytes -= sl.bytes
	*sl = slot{}
	c.free = append(c.free, h)
	c.metrics.SetCacheSize(len(c.byIdentity))
}

// evictLocked drops the least recently accessed entry.
func (c *Cache) evictLocked() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	h := back.Value.(Handle)
	id := c.slots[h].snap.Identity
	c.removeLocked(h)
	c.n.evictions++
	c.metrics.CacheEvent("evict")
	c.logger.Debug("Evicted least recently used element.", zap.String("identity", id))
	return true
}

// Lookup returns the identity cached for node.
func (c *Cache) Lookup(node *html.Node) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNode[node]
	if !ok {
		return "", false
	}
	return c.slots[h].snap.Identity, true
}

// Get returns a copy of the snapshot for identity and bumps its access time.
func (c *Cache) Get(identity string) (*element.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byIdentity[identity]
	if !ok {
		c.n.misses++
		return nil, false
	}
	c.n.hits++
	c.touchLocked(h)
	return c.slots[h].snap.Clone(), true
}

// PeekNode returns a copy of the snapshot built from node without counting as
// an access. Used by change processing to diff against the indexed state.
func (c *Cache) PeekNode(node *html.Node) (*element.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.byNode[node]
	if !ok {
		return nil, false
	}
	return c.slots[h].snap.Clone(), true
}

// Nodes returns every cached node.
func (c *Cache) Nodes() []*html.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*html.Node, 0, len(c.byNode))
	for n := range c.byNode {
		out = append(out, n)
	}
	return out
}

// Clear empties the cache. Counters survive.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.metrics.SetCacheSize(0)
}

// SetMaxSize changes the capacity, evicting down to it if needed.
func (c *Cache) SetMaxSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("cache: max size must be positive, got %d", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxSize = n
	for len(c.byIdentity) > n {
		if !c.evictLocked() {
			break
		}
	}
	return nil
}

// SetResultLimit changes the default number of query results.
func (c *Cache) SetResultLimit(n int) error {
	if n <= 0 {
		return fmt.Errorf("cache: result limit must be positive, got %d", n)
	}
	c.mu.Lock()
	c.cfg.ResultLimit = n
	c.mu.Unlock()
	return nil
}

// EstimatedBytes approximates the memory held by cached snapshots.
func (c *Cache) EstimatedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytes < 0 {
		return 0
	}
	return uint64(c.bytes)
}
