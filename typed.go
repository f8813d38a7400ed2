package slabcache

import "unsafe"

// Handle owns one placement-constructed T backed by raw Cache storage.
// Handle is not safe for concurrent use by multiple goroutines — it
// mirrors the teacher's own SlabRef contract ("not safe for concurrent
// use and should not be shared between goroutines").
type Handle[T any] struct {
	ptr   *T
	cache *Cache
}

// destroyer is the cooperative destructor contract for AcquireUnique: a
// type with a Destroy method gets it called on Release before storage is
// returned.
type destroyer interface {
	Destroy()
}

// AcquireUnique allocates raw storage from c sized for T, placement-
// constructs a zero-valued T in it (Go zero values are always valid,
// unlike the C++ facade this is modeled on, which requires an explicit
// constructor call), runs init if non-nil, and returns an owned Handle.
// If init returns an error the slot is released back to c before the
// error is returned — no storage leaks on constructor failure (spec.md
// §7 kind 3, as rendered for this façade).
//
// T's storage lives in an OS mapping outside the Go heap (see
// mapPages/os_mmap.go), so T must not embed pointers, slices, maps, or
// interfaces the garbage collector would need to trace — the same
// restriction the raw Cache already places on the bytes it hands out.
func AcquireUnique[T any](c *Cache, init func(*T) error) (*Handle[T], error) {
	raw, err := c.Alloc()
	if err != nil {
		return nil, err
	}

	obj := (*T)(raw)
	*obj = *new(T)

	if init != nil {
		if err := init(obj); err != nil {
			_ = c.Free(raw)
			return nil, err
		}
	}
	return &Handle[T]{ptr: obj, cache: c}, nil
}

// Get returns the handle's live object. Valid until Release.
func (h *Handle[T]) Get() *T { return h.ptr }

// Release destroys the held object, if T implements Destroy, and returns
// its storage to the backing Cache. Release is a no-op on a nil Handle or
// one already released.
func (h *Handle[T]) Release() error {
	if h == nil || h.ptr == nil {
		return nil
	}
	if d, ok := any(h.ptr).(destroyer); ok {
		d.Destroy()
	}
	err := h.cache.Free(unsafe.Pointer(h.ptr))
	h.ptr = nil
	return err
}

// AllocRaw is the untyped-but-typed-sized fast path: it allocates from c
// and reinterprets the storage as *T without construction. The caller is
// responsible for ensuring c's ObjectSize() can hold a T.
func AllocRaw[T any](c *Cache) (*T, error) {
	raw, err := c.Alloc()
	if err != nil {
		return nil, err
	}
	return (*T)(raw), nil
}

// FreeRaw returns storage obtained from AllocRaw to c. It performs no
// destruction — callers wanting cooperative teardown should use
// AcquireUnique/Release instead.
func FreeRaw[T any](c *Cache, p *T) error {
	return c.Free(unsafe.Pointer(p))
}
