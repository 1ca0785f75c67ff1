package rbac

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics exposes Prometheus collectors for the permission cache.
// A nil *CacheMetrics records nothing.
type CacheMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	invalidations *prometheus.CounterVec
	loadDuration  prometheus.Histogram
}

// NewCacheMetrics registers the collectors against reg.
func NewCacheMetrics(reg prometheus.Registerer) (*CacheMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_permission_cache_hits_total",
			Help: "Number of permission lookups served from cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shepherd_permission_cache_miss_total",
			Help: "Number of permission lookups that went to the store.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shepherd_permission_cache_invalidations_total",
			Help: "Number of permission cache invalidations by scope.",
		}, []string{"scope"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shepherd_permission_cache_load_duration_seconds",
			Help:    "Duration of permission store reads on cache miss.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.invalidations, m.loadDuration} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *CacheMetrics) hit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *CacheMetrics) miss() {
	if m == nil {
		return
	}
	m.misses.Inc()
}

func (m *CacheMetrics) invalidated(roles int) {
	if m == nil {
		return
	}
	scope := "role"
	if roles == 0 {
		scope = "all"
	}
	m.invalidations.WithLabelValues(scope).Inc()
}

func (m *CacheMetrics) observeLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.Observe(d.Seconds())
}
