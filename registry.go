package slabcache

import (
	"log/slog"
	"sync"
)

// Registry is the name-indexed collaborator described by spec.md §6: a
// process-wide map from name to Cache, guarded by its own mutex, whose
// contract is that every caller for a given name observes the same
// *Cache. Beyond NewCache and Close, the only Cache internal it touches is
// an existing entry's logger, used to report a duplicate-name Create.
type Registry struct {
	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry returns an empty Registry. Most callers want the process-
// wide default via the package-level Create/Lookup/Destroy instead.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]*Cache)}
}

var defaultRegistry = NewRegistry()

// Create returns (existing cache, false, nil) if name is already
// registered, or constructs and registers a new Cache and returns
// (cache, true, nil). This is the idiomatic Go rendering of spec.md §6's
// "returns a handle or null if the name is taken" — a boolean in place of
// a null pointer, since NewCache can independently fail on a bad object
// size.
func (r *Registry) Create(name string, objectSize int, opts ...Option) (*Cache, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.caches[name]; ok {
		if existing.logger != nil {
			existing.logger.Warn("slabcache: registry create rejected, name already taken",
				slog.String("cache", name))
		}
		return existing, false, nil
	}

	c, err := NewCache(objectSize, append(opts, withName(name))...)
	if err != nil {
		return nil, false, err
	}
	r.caches[name] = c
	return c, true, nil
}

// Lookup returns the cache registered under name, if any.
func (r *Registry) Lookup(name string) (*Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[name]
	return c, ok
}

// Destroy tears down and removes the cache registered under name.
// Returns ErrNameNotFound if no cache is registered under that name.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	c, ok := r.caches[name]
	if ok {
		delete(r.caches, name)
	}
	r.mu.Unlock()

	if !ok {
		return ErrNameNotFound
	}
	return c.Close()
}

// Create registers a new Cache under name on the process-wide default
// registry. See (*Registry).Create.
func Create(name string, objectSize int, opts ...Option) (*Cache, bool, error) {
	return defaultRegistry.Create(name, objectSize, opts...)
}

// Lookup finds a cache registered under name on the process-wide default
// registry. See (*Registry).Lookup.
func Lookup(name string) (*Cache, bool) {
	return defaultRegistry.Lookup(name)
}

// Destroy tears down the cache registered under name on the process-wide
// default registry. See (*Registry).Destroy.
func Destroy(name string) error {
	return defaultRegistry.Destroy(name)
}
