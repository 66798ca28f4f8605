package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/elementindex/internal/observer"
)

// Health is the result of a health check.
type Health struct {
	Healthy         bool          `json:"healthy"`
	Issues          []string      `json:"issues,omitempty"`
	MemoryBytes     uint64        `json:"memoryBytes"`
	AverageResponse time.Duration `json:"averageResponse"`
	CacheSize       int           `json:"cacheSize"`
	Observer        string        `json:"observer"`
	Throttling      bool          `json:"throttling"`
	CheckedAt       time.Time     `json:"checkedAt"`
}

// HealthCheck reports whether the index is usable. It never fails; problems
// are listed in Issues.
func (o *Orchestrator) HealthCheck(context.Context) (h Health) {
	h.CheckedAt = time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.Issues = append(h.Issues, fmt.Sprintf("health check failed: %v", r))
		}
		h.Healthy = len(h.Issues) == 0
	}()

	if o == nil {
		h.Issues = append(h.Issues, "orchestrator is missing")
		return h
	}
	switch {
	case o.cache == nil:
		h.Issues = append(h.Issues, "cache is missing")
	case o.budget == nil:
		h.Issues = append(h.Issues, "budget manager is missing")
	case o.observer == nil:
		h.Issues = append(h.Issues, "observer is missing")
	case o.bridge == nil:
		h.Issues = append(h.Issues, "bridge is missing")
	}
	if len(h.Issues) > 0 {
		return h
	}

	o.mu.Lock()
	running, closed := o.running, o.closed
	o.mu.Unlock()
	if closed {
		h.Issues = append(h.Issues, "index is shut down")
	}

	st := o.budget.Stats()
	h.MemoryBytes = st.MemoryBytes
	h.AverageResponse = st.Average
	h.Throttling = st.Throttling
	h.CacheSize = o.cache.Len()
	h.Observer = o.observer.State().String()

	if running && !closed && o.observer.State() != observer.Observing {
		h.Issues = append(h.Issues, "change observer is not running")
	}
	limits := o.cfg.Health()
	if ceiling := uint64(limits.MaxMemoryMB) << 20; ceiling > 0 && h.MemoryBytes > ceiling {
		h.Issues = append(h.Issues, fmt.Sprintf("memory %d bytes exceeds %d", h.MemoryBytes, ceiling))
	}
	if limits.MaxAvgResponse > 0 && h.AverageResponse > limits.MaxAvgResponse {
		h.Issues = append(h.Issues, fmt.Sprintf("average response %s exceeds %s", h.AverageResponse, limits.MaxAvgResponse))
	}
	return h
}

func (o *Orchestrator) healthReport(ctx context.Context) (any, bool) {
	h := o.HealthCheck(ctx)
	return h, h.Healthy
}
