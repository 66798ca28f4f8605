package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OnLimits registers fn to receive the new limits each time the adaptive loop
// changes them. fn runs without the manager's lock held.
func (m *Manager) OnLimits(fn func(Limits)) {
	m.mu.Lock()
	m.onLimits = fn
	m.mu.Unlock()
}

// Limits returns the current adaptive limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// SetLimits overrides the current limits. Values are clamped to the
// configured bounds; updating the bounds themselves requires a new manager.
func (m *Manager) SetLimits(l Limits) error {
	if l.CacheSize <= 0 || l.BatchSize <= 0 {
		return fmt.Errorf("budget: limits must be positive, got %+v", l)
	}
	m.mu.Lock()
	m.limits = m.clampLocked(l)
	m.mu.Unlock()
	return nil
}

// SetMaxCacheSize raises or lowers the upper cache bound the adaptive loop
// may grow into.
func (m *Manager) SetMaxCacheSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("budget: max cache size must be positive, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxCacheSize = n
	if m.cfg.MinCacheSize > n {
		m.cfg.MinCacheSize = n
	}
	m.limits = m.clampLocked(Limits{CacheSize: n, BatchSize: m.limits.BatchSize})
	return nil
}

// SetMaxBatchSize is SetMaxCacheSize for the observer batch size.
func (m *Manager) SetMaxBatchSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("budget: max batch size must be positive, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxBatchSize = n
	if m.cfg.MinBatchSize > n {
		m.cfg.MinBatchSize = n
	}
	m.limits = m.clampLocked(Limits{CacheSize: m.limits.CacheSize, BatchSize: n})
	return nil
}

func (m *Manager) clampLocked(l Limits) Limits {
	l.CacheSize = max(m.cfg.MinCacheSize, min(m.cfg.MaxCacheSize, l.CacheSize))
	l.BatchSize = max(m.cfg.MinBatchSize, min(m.cfg.MaxBatchSize, l.BatchSize))
	return l
}

// Adapt runs one step of the adaptive loop. Under pressure (memory above 80%
// of the ceiling or an average above the budget) the limits shrink; when
// comfortably idle (memory under half the ceiling and the average under half
// the budget) they grow back toward their maxima. It reports whether the
// limits changed.
func (m *Manager) Adapt() (Limits, bool) {
	mem := m.probe()

	m.mu.Lock()
	avg := m.window.average()
	samples := m.window.len()
	cur := m.limits
	next := cur

	switch {
	case mem > m.cfg.MemoryCeiling/10*8 || avg > m.cfg.OperationBudget:
		next.CacheSize = cur.CacheSize * 3 / 4
		next.BatchSize = cur.BatchSize / 2
	case samples > 0 && mem < m.cfg.MemoryCeiling/2 && avg < m.cfg.OperationBudget/2:
		next.CacheSize = cur.CacheSize + max(1, cur.CacheSize/10)
		next.BatchSize = cur.BatchSize + max(1, cur.BatchSize/4)
	}
	next = m.clampLocked(next)
	changed := next != cur
	m.limits = next
	fn := m.onLimits
	m.mu.Unlock()

	if changed {
		m.logger.Info("Adaptive limits updated.",
			zap.Int("cache_size", next.CacheSize),
			zap.Int("batch_size", next.BatchSize),
			zap.Duration("average", avg),
			zap.Uint64("memory_bytes", mem))
		if fn != nil {
			fn(next)
		}
	}
	return next, changed
}

// RunAdaptive calls Adapt on the configured interval until ctx is done or the
// manager shuts down.
func (m *Manager) RunAdaptive(ctx context.Context) error {
	m.mu.Lock()
	interval := m.cfg.AdaptInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.baseCtx.Done():
			return ErrShutdown
		case <-ticker.C:
			m.Adapt()
		}
	}
}
