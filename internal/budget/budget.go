// Package budget bounds the time and memory indexing work may consume. It
// never blocks a caller: work arriving while the manager is throttling is
// deferred to a FIFO queue drained on a timer.
package budget

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/observability"
)

var (
	// ErrThrottled reports that an operation was deferred, not run. Retrying
	// later may succeed.
	ErrThrottled = errors.New("budget: operation throttled")
	// ErrShutdown is returned once the manager has been shut down.
	ErrShutdown = errors.New("budget: manager shut down")
	// ErrQueueFull reports that a throttled operation was dropped because the
	// deferral queue is at capacity.
	ErrQueueFull = errors.New("budget: deferral queue full")
)

// Operation is a unit of budgeted work.
type Operation func(ctx context.Context) (any, error)

// Outcome is the result of Execute. Exactly one of Success and Throttled is
// true unless the operation failed or the manager is shut down.
type Outcome struct {
	Success   bool
	Throttled bool
	Value     any
	Err       error
	Elapsed   time.Duration
}

// MemoryProbe reports the current estimated memory use in bytes.
type MemoryProbe func() uint64

// HeapProbe reads the Go heap. It is the default probe.
func HeapProbe() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Config is the manager's static configuration.
type Config struct {
	OperationBudget time.Duration
	MemoryCeiling   uint64
	StatsWindow     int
	DrainDelay      time.Duration
	MaxQueue        int
	AdaptInterval   time.Duration

	// Bounds for the adaptive loop.
	MinCacheSize int
	MaxCacheSize int
	MinBatchSize int
	MaxBatchSize int
}

func (c *Config) applyDefaults() {
	if c.OperationBudget <= 0 {
		c.OperationBudget = 16 * time.Millisecond
	}
	if c.MemoryCeiling == 0 {
		c.MemoryCeiling = 50 << 20
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 20
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = 100 * time.Millisecond
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1000
	}
	if c.AdaptInterval <= 0 {
		c.AdaptInterval = 5 * time.Second
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 500
	}
	if c.MinCacheSize <= 0 || c.MinCacheSize > c.MaxCacheSize {
		c.MinCacheSize = min(100, c.MaxCacheSize)
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MinBatchSize <= 0 || c.MinBatchSize > c.MaxBatchSize {
		c.MinBatchSize = min(10, c.MaxBatchSize)
	}
}

// Limits are the tunables the adaptive loop adjusts.
type Limits struct {
	CacheSize int `json:"cacheSize"`
	BatchSize int `json:"batchSize"`
}

// Stats is a point-in-time view of the budget state.
type Stats struct {
	Average        time.Duration `json:"average"`
	Last           time.Duration `json:"last"`
	Samples        int           `json:"samples"`
	MemoryBytes    uint64        `json:"memoryBytes"`
	Throttling     bool          `json:"throttling"`
	Queued         int           `json:"queued"`
	Executed       uint64        `json:"executed"`
	Deferred       uint64        `json:"deferred"`
	Dropped        uint64        `json:"dropped"`
	OverBudget     uint64        `json:"overBudget"`
	OperationLimit time.Duration `json:"operationLimit"`
	Limits         Limits        `json:"limits"`
}

type deferred struct {
	label string
	max   time.Duration
	op    Operation
}

// Manager enforces the budget. It is safe for concurrent use.
type Manager struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	probe   MemoryProbe

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	cfg        Config
	window     *ring
	throttling bool
	// throttledAt is when the current throttle began.
	throttledAt time.Time
	queue       []deferred
	drainTimer  *time.Timer
	closed      bool
	limits      Limits
	onLimits    func(Limits)

	executed, deferredN, dropped, overBudget uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMemoryProbe replaces the heap probe.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(m *Manager) {
		if p != nil {
			m.probe = p
		}
	}
}

// WithMetrics records operation durations and deferrals.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager builds a Manager. Limits start at the configured maxima.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logger.Named("budget"),
		probe:   HeapProbe,
		baseCtx: ctx,
		cancel:  cancel,
		cfg:     cfg,
		window:  newRing(cfg.StatsWindow),
		limits:  Limits{CacheSize: cfg.MaxCacheSize, BatchSize: cfg.MaxBatchSize},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs op unless the manager is throttling, in which case op is queued
// and the outcome reports Throttled. Exceeding max is logged but still counts
// as success; max <= 0 uses the configured operation budget.
func (m *Manager) Execute(ctx context.Context, label string, max time.Duration, op Operation) Outcome {
	return m.execute(ctx, label, max, op, true)
}

// TryExecute is Execute for callers that answer immediately: a throttled
// operation is rejected with ErrThrottled instead of being queued.
func (m *Manager) TryExecute(ctx context.Context, label string, max time.Duration, op Operation) Outcome {
	return m.execute(ctx, label, max, op, false)
}

func (m *Manager) execute(ctx context.Context, label string, max time.Duration, op Operation, queue bool) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	mem := m.probe()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Outcome{Err: ErrShutdown}
	}
	if max <= 0 {
		max = m.cfg.OperationBudget
	}
	if m.shouldThrottleLocked(mem) {
		if !queue {
			m.mu.Unlock()
			m.metrics.Throttled()
			return Outcome{Throttled: true, Err: ErrThrottled}
		}
		err := m.deferLocked(deferred{label: label, max: max, op: op})
		m.mu.Unlock()
		if err != nil {
			return Outcome{Throttled: true, Err: err}
		}
		m.metrics.Throttled()
		return Outcome{Throttled: true, Err: ErrThrottled}
	}
	m.mu.Unlock()

	value, elapsed, err := m.run(ctx, label, max, op)
	if err != nil {
		return Outcome{Err: err, Elapsed: elapsed}
	}
	return Outcome{Success: true, Value: value, Elapsed: elapsed}
}

// run executes op outside the lock and feeds the measurement back. A panic in
// op is converted into an error.
func (m *Manager) run(ctx context.Context, label string, max time.Duration, op Operation) (value any, elapsed time.Duration, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("budget: operation %q panicked: %v", label, r)
		}
		elapsed = time.Since(start)
		m.record(label, max, elapsed)
	}()
	value, err = op(ctx)
	return value, 0, err
}

func (m *Manager) record(label string, max, elapsed time.Duration) {
	m.mu.Lock()
	m.window.add(elapsed)
	m.executed++
	over := elapsed > max
	if over {
		m.overBudget++
	}
	m.mu.Unlock()

	m.metrics.ObserveOperation(label, elapsed)
	if over {
		m.logger.Warn("Operation exceeded its time budget.",
			zap.String("label", label),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", max))
	}
}

// shouldThrottleLocked evaluates the throttle predicate: memory over the
// ceiling, a recent average over twice the budget, or deferred work still
// queued. With the queue empty the predicate is re-evaluated on every call,
// and once a throttle has lasted DrainDelay the timing window is discarded so
// the samples that tripped it cannot hold it forever.
func (m *Manager) shouldThrottleLocked(mem uint64) bool {
	if m.throttling && len(m.queue) > 0 {
		return true
	}
	now := time.Now()
	if m.throttling && now.Sub(m.throttledAt) >= m.cfg.DrainDelay {
		m.window.reset()
	}
	avg := m.window.average()
	if mem <= m.cfg.MemoryCeiling && avg <= 2*m.cfg.OperationBudget {
		if m.throttling {
			m.throttling = false
			m.logger.Debug("Throttling lifted.", zap.Uint64("memory_bytes", mem), zap.Duration("average", avg))
		}
		return false
	}
	if !m.throttling {
		m.throttling = true
		m.throttledAt = now
		m.logger.Debug("Throttling indexing work.",
			zap.Uint64("memory_bytes", mem),
			zap.Uint64("memory_ceiling", m.cfg.MemoryCeiling),
			zap.Duration("average", avg),
			zap.Duration("budget", m.cfg.OperationBudget))
	}
	return true
}

func (m *Manager) deferLocked(d deferred) error {
	if len(m.queue) >= m.cfg.MaxQueue {
		m.dropped++
		m.logger.Warn("Deferral queue full, dropping operation.",
			zap.String("label", d.label), zap.Int("max_queue", m.cfg.MaxQueue))
		return ErrQueueFull
	}
	m.queue = append(m.queue, d)
	m.deferredN++
	m.scheduleDrainLocked()
	return nil
}

func (m *Manager) scheduleDrainLocked() {
	if m.drainTimer != nil || m.closed {
		return
	}
	m.drainTimer = time.AfterFunc(m.cfg.DrainDelay, m.drain)
}

// drain runs the head of the queue, then reschedules itself until the queue
// is empty. Throttling ends once the queue is empty.
func (m *Manager) drain() {
	m.mu.Lock()
	m.drainTimer = nil
	if m.closed || len(m.queue) == 0 {
		m.throttling = false
		m.mu.Unlock()
		return
	}
	next := m.queue[0]
	m.queue[0] = deferred{}
	m.queue = m.queue[1:]
	m.mu.Unlock()

	if _, _, err := m.run(m.baseCtx, next.label, next.max, next.op); err != nil {
		m.logger.Debug("Deferred operation failed.", zap.String("label", next.label), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if len(m.queue) > 0 {
		m.scheduleDrainLocked()
		return
	}
	m.throttling = false
	m.logger.Info("Deferral queue drained, throttling lifted.")
}

// Stats returns the current budget state.
func (m *Manager) Stats() Stats {
	mem := m.probe()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Average:        m.window.average(),
		Last:           m.window.last(),
		Samples:        m.window.len(),
		MemoryBytes:    mem,
		Throttling:     m.throttling,
		Queued:         len(m.queue),
		Executed:       m.executed,
		Deferred:       m.deferredN,
		Dropped:        m.dropped,
		OverBudget:     m.overBudget,
		OperationLimit: m.cfg.OperationBudget,
		Limits:         m.limits,
	}
}

// MemoryBytes returns the probe's current reading.
func (m *Manager) MemoryBytes() uint64 { return m.probe() }

// SetOperationBudget changes the default per-operation budget.
func (m *Manager) SetOperationBudget(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("budget: operation budget must be positive, got %s", d)
	}
	m.mu.Lock()
	m.cfg.OperationBudget = d
	m.mu.Unlock()
	return nil
}

// Shutdown drops every queued operation and rejects further work. Queued
// operations never run after Shutdown returns.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	if n := len(m.queue); n > 0 {
		m.logger.Info("Dropping deferred operations on shutdown.", zap.Int("count", n))
	}
	m.queue = nil
	m.throttling = false
	m.cancel()
}
