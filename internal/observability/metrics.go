// File: internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "elementindex"

// Metrics groups every collector the index exports. Each instance owns its
// registry so several indexes (and tests) can coexist in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheSize      prometheus.Gauge
	cacheEvents    *prometheus.CounterVec
	budgetOps      *prometheus.HistogramVec
	budgetThrottle prometheus.Counter
	changes        *prometheus.CounterVec
	bridgeMessages *prometheus.CounterVec
	bridgeBytes    prometheus.Histogram
}

// NewMetrics registers the index collectors in a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of element snapshots currently cached.",
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache mutations by kind (add, update, remove, evict, stale).",
		}, []string{"kind"}),
		budgetOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_operation_seconds",
			Help:      "Duration of budgeted operations by label.",
			Buckets:   []float64{.001, .004, .008, .016, .032, .064, .128, .256},
		}, []string{"label"}),
		budgetThrottle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_throttled_total",
			Help:      "Operations deferred to the throttle queue.",
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Change notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Inbound bridge messages by outcome.",
		}, []string{"outcome"}),
		bridgeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_response_bytes",
			Help:      "Serialized size of outbound bridge responses.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
	reg.MustRegister(m.cacheSize, m.cacheEvents, m.budgetOps, m.budgetThrottle,
		m.changes, m.bridgeMessages, m.bridgeBytes)
	return m
}

// Handler serves this instance's registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetCacheSize(n int) {
	if m != nil {
		m.cacheSize.Set(float64(n))
	}
}

func (m *Metrics) CacheEvent(kind string) {
	if m != nil {
		m.cacheEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveOperation(label string, d time.Duration) {
	if m != nil {
		m.budgetOps.WithLabelValues(label).Observe(d.Seconds())
	}
}

func (m *Metrics) Throttled() {
	if m != nil {
		m.budgetThrottle.Inc()
	}
}

func (m *Metrics) Change(kind, outcome string) {
	if m != nil {
		m.changes.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) BridgeMessage(outcome string) {
	if m != nil {
		m.bridgeMessages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ResponseBytes(n int) {
	if m != nil {
		m.bridgeBytes.Observe(float64(n))
	}
}
