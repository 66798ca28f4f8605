package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/budget"
	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/config"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

// Index is the query surface the default handlers dispatch to.
type Index interface {
	FindElements(ctx context.Context, intent string, opts cache.QueryOptions) ([]cache.Result, error)
	GetAllElements(ctx context.Context, f cache.Filter) ([]cache.Result, error)
	GetByCategory(ctx context.Context, category string, opts cache.QueryOptions) ([]cache.Result, error)
	Stats(ctx context.Context) (any, error)
	ForceRescan(ctx context.Context) (any, error)
	Cleanup(ctx context.Context) (any, error)
	UpdateConfig(ctx context.Context, u config.Update) error
	ClassificationSummary(ctx context.Context) (cache.Summary, error)
	VerifyCache(ctx context.Context) (cache.Report, error)
	RefreshCache(ctx context.Context) (any, error)
	DebugInfo(ctx context.Context) (cache.DebugInfo, error)
}

// Handler serves one request kind. data is the request's raw data object.
type Handler func(ctx context.Context, data jsoniter.RawMessage) (any, error)

// Config holds the bridge's live settings.
type Config struct {
	MaxResponseBytes int
	ShrinkFactor     float64
	HandlerBudget    time.Duration
	// PendingTimeout is how long an unanswered request id stays reserved.
	PendingTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 1 << 20
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = 0.7
	}
	if c.HandlerBudget <= 0 {
		c.HandlerBudget = 50 * time.Millisecond
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 30 * time.Second
	}
}

// Stats counts inbound traffic by outcome.
type Stats struct {
	Received  uint64   `json:"received"`
	Dropped   uint64   `json:"dropped"`
	Responses uint64   `json:"responses"`
	Errors    uint64   `json:"errors"`
	Throttled uint64   `json:"throttled"`
	Oversized uint64   `json:"oversized"`
	Truncated uint64   `json:"truncated"`
	Pending   int      `json:"pending"`
	Handlers  []string `json:"handlers"`
}

type counters struct {
	received, dropped, responses, errors, throttled, oversized, truncated atomic.Uint64
}

// Bridge validates, dispatches and answers protocol messages. It has no
// transport of its own; see Server.
type Bridge struct {
	budget  *budget.Manager
	policy  *OriginPolicy
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	pending *pendingTable

	mu       sync.RWMutex
	cfg      Config
	handlers map[string]Handler

	n counters
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics counts messages and response sizes.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock replaces time.Now for reply timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New builds a bridge with the default handlers registered against idx.
func New(cfg Config, idx Index, bm *budget.Manager, policy *OriginPolicy, logger *zap.Logger, opts ...Option) *Bridge {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		budget:   bm,
		policy:   policy,
		logger:   logger.Named("bridge"),
		now:      time.Now,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pending = newPendingTable(cfg.PendingTimeout)
	registerDefaults(b, idx)
	return b
}

// Register installs or replaces the handler for kind.
func (b *Bridge) Register(kind string, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = h
	b.mu.Unlock()
}

// Policy returns the origin allow-list.
func (b *Bridge) Policy() *OriginPolicy { return b.policy }

// SetHandlerBudget changes the time budget of each handler call.
func (b *Bridge) SetHandlerBudget(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("bridge: handler budget must be positive, got %s", d)
	}
	b.mu.Lock()
	b.cfg.HandlerBudget = d
	b.mu.Unlock()
	return nil
}

// SetMaxResponseBytes changes the outbound size ceiling.
func (b *Bridge) SetMaxResponseBytes(n int) error {
	if n <= 0 {
		return fmt.Errorf("bridge: max response bytes must be positive, got %d", n)
	}
	b.mu.Lock()
	b.cfg.MaxResponseBytes = n
	b.mu.Unlock()
	return nil
}

// Handle processes one raw inbound message from origin. ok is false when the
// message was dropped: disallowed origins and malformed messages get no
// reply and cause no state change. Every other message gets exactly one
// reply, success or error.
func (b *Bridge) Handle(ctx context.Context, origin string, raw []byte) (reply []byte, ok bool) {
	b.n.received.Add(1)
	if !b.policy.Allowed(origin) {
		b.drop("origin", origin, ErrInvalidOrigin)
		return nil, false
	}
	in, err := decodeInbound(raw)
	if err != nil {
		b.drop("malformed", origin, err)
		return nil, false
	}

	if !b.pending.begin(in.RequestID, b.now()) {
		return b.fail(in.RequestID, fmt.Errorf("%w: %s", ErrDuplicateRequest, in.RequestID)), true
	}
	defer b.pending.finish(in.RequestID)

	b.mu.RLock()
	h, found := b.handlers[in.Type]
	cfg := b.cfg
	b.mu.RUnlock()
	if !found {
		return b.fail(in.RequestID, fmt.Errorf("%w: %s", ErrUnknownType, in.Type)), true
	}

	out := b.budget.TryExecute(ctx, "bridge."+in.Type, cfg.HandlerBudget, func(ctx context.Context) (any, error) {
		return h(ctx, in.Data)
	})
	switch {
	case out.Throttled:
		b.n.throttled.Add(1)
		b.metrics.BridgeMessage("throttled")
		return b.fail(in.RequestID, fmt.Errorf("processing throttled, retry later: %w", out.Err)), true
	case out.Err != nil:
		b.logger.Debug("Handler failed.", zap.String("type", in.Type),
			zap.String("request_id", in.RequestID), zap.Error(out.Err))
		return b.fail(in.RequestID, out.Err), true
	}

	resp := newResponse(in.RequestID, out.Value, b.now())
	encoded, truncated, err := encodeBounded(resp, cfg.MaxResponseBytes, cfg.ShrinkFactor)
	var se *SizeError
	if errors.As(err, &se) {
		b.n.oversized.Add(1)
		b.logger.Warn("Response exceeds size limit after truncation.",
			zap.String("type", in.Type), zap.Int("limit", se.Limit), zap.Int("size", se.Size))
		return b.fail(in.RequestID, se), true
	}
	if err != nil {
		return b.fail(in.RequestID, fmt.Errorf("encoding response: %w", err)), true
	}
	if truncated {
		b.n.truncated.Add(1)
		b.logger.Debug("Response truncated to fit the size limit.", zap.String("type", in.Type))
	}
	b.n.responses.Add(1)
	b.metrics.BridgeMessage("response")
	b.metrics.ResponseBytes(len(encoded))
	return encoded, true
}

func (b *Bridge) drop(reason, origin string, err error) {
	b.n.dropped.Add(1)
	b.metrics.BridgeMessage("dropped_" + reason)
	b.logger.Debug("Dropped inbound message.", zap.String("reason", reason),
		zap.String("origin", origin), zap.Error(err))
}

// fail encodes an error reply. Error replies are small and never truncated.
func (b *Bridge) fail(id string, err error) []byte {
	b.n.errors.Add(1)
	b.metrics.BridgeMessage("error")
	raw, mErr := json.Marshal(newError(id, err, b.now()))
	if mErr != nil {
		b.logger.Error("Failed to encode error reply.", zap.Error(mErr))
		return nil
	}
	b.metrics.ResponseBytes(len(raw))
	return raw
}

// ExpirePending drops correlation entries older than the pending timeout.
func (b *Bridge) ExpirePending() int {
	n := b.pending.expire()
	if n > 0 {
		b.logger.Info("Expired abandoned requests.", zap.Int("count", n))
	}
	return n
}

// Stats returns the traffic counters.
func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	kinds := make([]string, 0, len(b.handlers))
	for k := range b.handlers {
		kinds = append(kinds, k)
	}
	b.mu.RUnlock()
	sort.Strings(kinds)
	return Stats{
		Received:  b.n.received.Load(),
		Dropped:   b.n.dropped.Load(),
		Responses: b.n.responses.Load(),
		Errors:    b.n.errors.Load(),
		Throttled: b.n.throttled.Load(),
		Oversized: b.n.oversized.Load(),
		Truncated: b.n.truncated.Load(),
		Pending:   b.pending.len(),
		Handlers:  kinds,
	}
}
