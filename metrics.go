package slabcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the optional counters/gauge façade from SPEC_FULL.md §4.5,
// grounded on NVIDIA/aistore's use of github.com/prometheus/client_golang
// for its own subsystem counters (stats/common_prom.go). A Cache
// constructed without WithMetrics records nothing beyond the unexported,
// mutex-guarded bookkeeping it already needs for hoarding/scavenge decisions —
// this is pure observability, not the per-allocation provenance tracking
// spec.md's Non-goals exclude.
type Metrics struct {
	allocs      prometheus.Counter
	frees       prometheus.Counter
	remoteFrees prometheus.Counter
	reclaims    prometheus.Counter
	mmaps       prometheus.Counter
	emptySlabs  prometheus.Gauge
}

// NewMetrics builds a Metrics instance labeled with cacheName. If reg is
// non-nil, every collector is registered against it; a registration
// conflict (e.g. two caches sharing a name against the same registerer)
// panics, matching prometheus.MustRegister's own contract.
func NewMetrics(reg prometheus.Registerer, cacheName string) *Metrics {
	labels := prometheus.Labels{"cache": cacheName}

	m := &Metrics{
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slabcache_allocs_total",
			Help:        "Total objects handed out by Cache.Alloc.",
			ConstLabels: labels,
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slabcache_frees_total",
			Help:        "Total objects returned by the owning context via Cache.Free.",
			ConstLabels: labels,
		}),
		remoteFrees: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slabcache_remote_frees_total",
			Help:        "Total objects returned by a non-owning context (pushed to a slab's atomic inbox).",
			ConstLabels: labels,
		}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slabcache_reclaims_total",
			Help:        "Total times a context drained a slab's remote-free inbox into its local free list.",
			ConstLabels: labels,
		}),
		mmaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "slabcache_mmaps_total",
			Help:        "Total OS chunk acquisitions performed by this cache.",
			ConstLabels: labels,
		}),
		emptySlabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "slabcache_empty_slabs",
			Help:        "Slabs currently holding zero live objects, local or in the global reservoir.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.allocs, m.frees, m.remoteFrees, m.reclaims, m.mmaps, m.emptySlabs)
	}
	return m
}
