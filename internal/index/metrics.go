package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors owned by a Registry. A nil
// *Metrics disables instrumentation.
type Metrics struct {
	// hits counts Get calls served from the cache.
	hits prometheus.Counter

	// misses counts Get calls that had to load an index.
	misses prometheus.Counter

	// loads counts successful index loads, partitioned by mode.
	loads *prometheus.CounterVec

	// loadErrors counts failed index loads.
	loadErrors prometheus.Counter

	// evictions counts indices dropped from the cache.
	evictions prometheus.Counter

	// cached is the number of indices currently held.
	cached prometheus.Gauge
}

// NewMetrics registers the registry collectors against reg. Passing a fresh
// prometheus.Registry keeps tests hermetic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "hits_total",
			Help:      "Index lookups served from the registry cache.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "misses_total",
			Help:      "Index lookups that required loading from disk.",
		}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "loads_total",
			Help:      "Indices loaded from disk, partitioned by access mode.",
		}, []string{"mode"}),
		loadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "load_errors_total",
			Help:      "Index loads that failed.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Indices evicted from the registry cache.",
		}),
		cached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonitag",
			Subsystem: "registry",
			Name:      "cached_indices",
			Help:      "Number of indices currently held by the registry.",
		}),
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) loaded(mode Mode, size int) {
	if m != nil {
		m.loads.WithLabelValues(mode.String()).Inc()
		m.cached.Set(float64(size))
	}
}

func (m *Metrics) loadFailed() {
	if m != nil {
		m.loadErrors.Inc()
	}
}

func (m *Metrics) evicted(size int) {
	if m != nil {
		m.evictions.Inc()
		m.cached.Set(float64(size))
	}
}
