package slabcache

import "log/slog"

// cacheConfig collects constructor-time options, in the teacher's own
// functional-options convention (slabby.AllocatorOption / allocatorConfig).
type cacheConfig struct {
	ctor           ConstructorFunc
	dtor           DestructorFunc
	cacheLineSize  uintptr
	metrics        *Metrics
	ownershipCheck bool
	name           string
	logger         *slog.Logger
}

func defaultCacheConfig() cacheConfig {
	return cacheConfig{cacheLineSize: DefaultCacheLine}
}

// Option configures a Cache at construction time.
type Option func(*cacheConfig)

// WithConstructor installs ctor. Paired alone (no destructor), the
// constructor runs once per slab at slab-initialization time (batch mode,
// spec.md §6). Paired with WithDestructor, both run on every Alloc/Free
// (per-op mode).
func WithConstructor(ctor ConstructorFunc) Option {
	return func(c *cacheConfig) { c.ctor = ctor }
}

// WithDestructor installs dtor. Has no effect unless WithConstructor is
// also supplied — per spec.md §6, the destructor is only meaningful
// paired with a constructor.
func WithDestructor(dtor DestructorFunc) Option {
	return func(c *cacheConfig) { c.dtor = dtor }
}

// WithCacheLineSize overrides the coloring/header-rounding granularity
// (spec.md §3 "Coloring."). Must be a power of two; callers that pass a
// non-power-of-two value get rounding behavior that silently degrades
// rather than a construction error, matching the teacher's own
// alignToCache, which makes the same assumption about its caller.
func WithCacheLineSize(size int) Option {
	return func(c *cacheConfig) {
		if size > 0 {
			c.cacheLineSize = uintptr(size)
		}
	}
}

// WithMetrics attaches a Metrics instance backed by the given Prometheus
// registerer (SPEC_FULL.md §4.5). Passing a nil registerer still wires
// internal counters, just without exporting them.
func WithMetrics(m *Metrics) Option {
	return func(c *cacheConfig) { c.metrics = m }
}

// WithOwnershipCheck enables Free's best-effort pointer-ownership
// validation (see ErrPointerNotOwned). Off by default: spec.md §7 kind 2
// treats client misuse as the client's responsibility, and the check
// takes the cache's global mutex and scans its mapping list on every Free.
func WithOwnershipCheck() Option {
	return func(c *cacheConfig) { c.ownershipCheck = true }
}

// withName is set by Registry.Create; not exported because a Cache's name
// is a registry concern, not a construction parameter a direct NewCache
// caller should set.
func withName(name string) Option {
	return func(c *cacheConfig) { c.name = name }
}

// WithLogger sets a structured logger for operational events using the
// standard slog package, mirroring the teacher's own WithLogger. Unlike
// the teacher — which also logs circuit-breaker/health-monitoring
// transitions this module has no equivalent of — the events logged here
// are chunk-acquisition failure, teardown unmap failure, and a registry
// create rejected by a duplicate name. Nil (the default) disables
// logging entirely; every call site checks for nil before logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *cacheConfig) { c.logger = logger }
}
