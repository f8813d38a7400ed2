package slabcache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Default cache-line size this module colors slabs against. Named after
// the teacher's own CacheLineX86/DefaultCacheLine constants — kept as a
// single default rather than the teacher's per-architecture table because
// spec.md's coloring formula only ever consumes one value per Cache.
const DefaultCacheLine = 64

const (
	minObjectSize  = 16
	minPageSize    = 4096
	bytesPerChunk  = 2 << 20 // "roughly 2 MiB per acquisition" (spec.md §4.1)
	minObjectsSlab = 8       // "holds at least 8 objects plus its header" (spec.md §3)
)

// ctorMode selects how the cache's constructor/destructor pair is
// dispatched, per spec.md §6/§9: two function pointers, no runtime type
// dispatch.
type ctorMode int

const (
	ctorModeNone ctorMode = iota
	ctorModeBatch
	ctorModePerOp
)

// ConstructorFunc initializes the object-size bytes at p. A non-nil error
// from a per-op constructor is propagated to the caller of Alloc after the
// slot is unwound (spec.md §7 kind 3); a non-nil error from a batch
// constructor (no destructor configured) has no unwind path since it runs
// once per slab during chunk acquisition and is treated as fatal, the
// same class of failure as an OS mapping failure.
type ConstructorFunc func(p unsafe.Pointer) error

// DestructorFunc tears down the object-size bytes at p before the slot is
// returned to the free list. Only invoked in per-op mode (both
// constructor and destructor configured).
type DestructorFunc func(p unsafe.Pointer)

// mmapping is one OS mapping owned by a Cache, recorded for teardown.
// base is the original, possibly-unaligned address map_pages returned —
// Close must unmap exactly that address, never the realigned one.
type mmapping struct {
	base unsafe.Pointer
	size uintptr
}

// Cache is the per-size-class allocator described by spec.md §3/§4.1.
// Everything under "Construction." below is fixed for the Cache's
// lifetime; the global reservoir, mapping list, and color counter are the
// only mutable cache-wide state (spec.md §3 "Mutable:").
type Cache struct {
	name string

	objectSize    uintptr
	objectCount   int
	pageSize      uintptr
	headerRounded uintptr
	cacheLineSize uintptr
	colorMod      int
	colorNext     atomic.Uint32
	pagesPerChunk int

	ctor     ConstructorFunc
	dtor     DestructorFunc
	mode     ctorMode
	ownerChk bool

	globalMu    sync.Mutex
	globalEmpty *slab
	mappings    []mmapping

	shards *pcontextShards

	metrics *Metrics
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewCache constructs a Cache for the given object size, following the
// clamping/rounding rules of spec.md §4.1 "Construction.".
func NewCache(objectSize int, opts ...Option) (*Cache, error) {
	if objectSize <= 0 {
		return nil, ErrInvalidObjectSize
	}

	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	size := uintptr(objectSize)
	if size < minObjectSize {
		size = minObjectSize
	}
	if ptrSize := unsafe.Sizeof(uintptr(0)); size < ptrSize {
		size = ptrSize
	}
	size = nextPow2Uintptr(size)

	// The header is rounded up to the object size as well as the cache
	// line, so mem and every object after it stay aligned to the object
	// size. With that rounding the objects tile the rest of the page
	// exactly, so sizeLeft below is 0 and every slab gets color 0.
	header := unsafe.Sizeof(slab{})
	headerAlign := cfg.cacheLineSize
	if size > headerAlign {
		headerAlign = size
	}
	headerRounded := roundUp(header, headerAlign)

	need := size*minObjectsSlab + cfg.cacheLineSize
	page := uintptr(minPageSize)
	for page < need {
		page <<= 1
	}

	objectCount := int((page - headerRounded) / size)
	if objectCount < minObjectsSlab {
		return nil, errors.Wrapf(ErrInvalidObjectSize, "slabcache: object size %d leaves no room for %d objects in a %d-byte page", objectSize, minObjectsSlab, page)
	}

	sizeLeft := page - headerRounded - uintptr(objectCount)*size
	colorMod := int(sizeLeft/cfg.cacheLineSize) + 1

	pagesPerChunk := int(bytesPerChunk / page)
	if pagesPerChunk < 1 {
		pagesPerChunk = 1
	}

	mode := ctorModeNone
	switch {
	case cfg.ctor != nil && cfg.dtor != nil:
		mode = ctorModePerOp
	case cfg.ctor != nil:
		mode = ctorModeBatch
	}

	c := &Cache{
		name:          cfg.name,
		objectSize:    size,
		objectCount:   objectCount,
		pageSize:      page,
		headerRounded: headerRounded,
		cacheLineSize: cfg.cacheLineSize,
		colorMod:      colorMod,
		pagesPerChunk: pagesPerChunk,
		ctor:          cfg.ctor,
		dtor:          cfg.dtor,
		mode:          mode,
		ownerChk:      cfg.ownershipCheck,
		globalEmpty:   newSlabSentinel(),
		shards:        newPContextShards(),
		metrics:       cfg.metrics,
		logger:        cfg.logger,
	}
	return c, nil
}

// Name returns the cache's registry name, or "" if it was constructed
// directly via NewCache rather than through a Registry.
func (c *Cache) Name() string { return c.name }

// ObjectSize is the post-clamp, post-rounding object size every Alloc
// returns a pointer to (spec.md §3 "Cache.").
func (c *Cache) ObjectSize() int { return int(c.objectSize) }

// ObjectCount is the fixed per-slab object capacity N (spec.md §3/GLOSSARY).
func (c *Cache) ObjectCount() int { return c.objectCount }

// PageSize is the page-aligned slab size P this cache was constructed
// with.
func (c *Cache) PageSize() int { return int(c.pageSize) }

// Alloc returns a pointer to object-size bytes, aligned to ObjectSize(),
// per spec.md §4.1/§6. It never blocks on the global mutex unless the
// calling goroutine's per-P context has exhausted every thread-local list.
func (c *Cache) Alloc() (unsafe.Pointer, error) {
	pc := c.shards.current()

	pc.mu.Lock()
	p := c.allocLocked(pc)
	pc.mu.Unlock()

	if c.metrics != nil {
		c.metrics.allocs.Inc()
	}

	if c.mode == ctorModePerOp {
		if err := c.ctor(p); err != nil {
			c.undoAlloc(pc, p)
			// Wrap the sentinel (not just err) so errors.Is(result,
			// ErrConstructorFailed) still matches once the context
			// (cache name, object size) is layered on top via pkg/errors
			// — spec.md §7 kind 3's "propagated to the caller" without
			// losing the ability to test the error's kind.
			return nil, errors.Wrapf(fmt.Errorf("%w: %v", ErrConstructorFailed, err), "slabcache: cache %q object size %d", c.name, c.objectSize)
		}
	}
	return p, nil
}

// undoAlloc reverses the bookkeeping half of allocLocked for a slot whose
// constructor just failed (spec.md §7 kind 3 / §9 unwind note): push the
// slot back to local_head and decrement active_obj_cnt. No list migration
// is performed: allocLocked returns every object from the slab it leaves
// as pc.active, and returning an object to the active slab never moves it.
func (c *Cache) undoAlloc(pc *pcontext, p unsafe.Pointer) {
	s := c.slabFor(p)
	pc.mu.Lock()
	s.pushLocal(p)
	s.activeObjCnt--
	pc.mu.Unlock()
}

// allocLocked implements the allocation state machine table of spec.md
// §4.1. Caller holds pc.mu.
func (c *Cache) allocLocked(pc *pcontext) unsafe.Pointer {
	canScavenge := pc.scavengeCooldown == 0
	if pc.scavengeCooldown > 0 {
		pc.scavengeCooldown--
	}

	if pc.active != nil {
		if p := pc.active.popLocal(); p != nil {
			return p
		}
		exhausted := pc.active
		pc.active = nil
		exhausted.linkAfter(pc.full)
	}

	if s := popFront(pc.empty); s != nil {
		pc.emptyCount--
		c.decEmptyMetric()
		pc.active = s
		return s.popLocal()
	}

	for {
		head := pc.partial.next
		if head == pc.partial {
			break
		}
		if head.localHead != 0 {
			head.unlink()
			pc.active = head
			return head.popLocal()
		}
		if n := head.reclaimRemote(); n > 0 {
			head.unlink()
			pc.active = head
			if c.metrics != nil {
				c.metrics.reclaims.Inc()
			}
			return head.popLocal()
		}
		pc.movePartialToFull(head)
	}

	if canScavenge {
		if found := pc.scavengeFull(); found != nil {
			found.reclaimRemote()
			pc.active = found
			if c.metrics != nil {
				c.metrics.reclaims.Inc()
			}
			return found.popLocal()
		}
		pc.scavengeCooldown = scavengeCooldownN
	}

	return c.allocFromGlobal(pc)
}

// allocFromGlobal is the "all local lists empty" row of the state machine
// table: lock the global reservoir, mmap a new chunk if it is empty,
// adopt the slab returned as this context's active slab.
func (c *Cache) allocFromGlobal(pc *pcontext) unsafe.Pointer {
	c.globalMu.Lock()
	s := c.fetchFromGlobalLocked()
	c.globalMu.Unlock()

	s.owner.Store(pc)
	// Drain any remote frees left in the inbox before the slab is handed
	// out again (reclaim at adopt time).
	s.reclaimRemote()
	pc.active = s
	c.decEmptyMetric()
	return s.popLocal()
}

// Free returns p to the cache it came from. p must have been produced by
// Alloc on this Cache and not already freed — unchecked, per spec.md §7
// kind 2. A free from the owning per-P context is a local push; any other
// caller routes through the slab's remote-free inbox (spec.md §4.1 "Free-
// remote.").
func (c *Cache) Free(p unsafe.Pointer) error {
	s := c.slabFor(p)

	if c.ownerChk && !c.validPointer(s, p) {
		return ErrPointerNotOwned
	}

	if c.mode == ctorModePerOp && c.dtor != nil {
		c.dtor(p)
	}

	pc := c.shards.current()

	if s.owner.Load() == pc {
		pc.mu.Lock()
		c.freeLocalLocked(pc, s, p)
		pc.mu.Unlock()
		if c.metrics != nil {
			c.metrics.frees.Inc()
		}
		return nil
	}

	s.pushRemote(p)
	if c.metrics != nil {
		c.metrics.remoteFrees.Inc()
	}
	return nil
}

// validPointer is the best-effort check behind WithOwnershipCheck: it
// confirms p lies inside one of this cache's OS mappings (read under
// c.globalMu), that p's recovered slab header describes this cache's
// exact geometry, and that p lands on an object boundary within bounds.
// It cannot detect double-free or use-after-free — those remain the
// client's responsibility per spec.md §7 kind 2 — only that p could
// plausibly have come from this cache.
func (c *Cache) validPointer(s *slab, p unsafe.Pointer) bool {
	addr := uintptr(p)
	inMapping := false
	c.globalMu.Lock()
	for _, m := range c.mappings {
		if addr >= roundUp(uintptr(m.base), c.pageSize) && addr < uintptr(m.base)+m.size {
			inMapping = true
			break
		}
	}
	c.globalMu.Unlock()
	if !inMapping {
		return false
	}
	if s.objectSize != c.objectSize || s.objectCount != c.objectCount {
		return false
	}
	if uintptr(p) < uintptr(s.mem) {
		return false
	}
	off := uintptr(p) - uintptr(s.mem)
	return off%c.objectSize == 0 && off < uintptr(s.objectCount)*c.objectSize
}

// freeLocalLocked implements spec.md §4.1 "Free-local." and the hoarding
// control that follows it. Caller holds pc.mu.
func (c *Cache) freeLocalLocked(pc *pcontext, s *slab, p unsafe.Pointer) {
	wasFull := s.activeObjCnt == s.objectCount
	wasLast := s.activeObjCnt == 1

	s.pushLocal(p)
	s.activeObjCnt--

	if s == pc.active {
		return
	}
	switch {
	case wasFull:
		pc.moveFullToPartial(s)
	case wasLast:
		pc.movePartialToEmpty(s)
		c.incEmptyMetric()
		c.maybeFlushEmptyLocked(pc)
	}
}

// maybeFlushEmptyLocked implements the hoarding cap (spec.md §4.1/§5/§9):
// once a context's empty count exceeds maxLocalEmptySlabs, half are
// returned to the global reservoir with owner cleared. Eviction is from
// the tail of the empty list (oldest-resident) so the most recently
// touched slabs — the ones likeliest to be reused — stay local (spec.md
// §9's MRU design choice). Caller holds pc.mu.
func (c *Cache) maybeFlushEmptyLocked(pc *pcontext) {
	if pc.emptyCount <= maxLocalEmptySlabs {
		return
	}
	n := pc.emptyCount / 2

	c.globalMu.Lock()
	for i := 0; i < n; i++ {
		s := popBack(pc.empty)
		if s == nil {
			break
		}
		pc.emptyCount--
		s.owner.Store(nil)
		s.linkAfter(c.globalEmpty)
	}
	c.globalMu.Unlock()
}

// fetchFromGlobalLocked pops the first empty slab from the global
// reservoir, mapping a fresh chunk first if the reservoir is empty.
// Caller holds c.globalMu.
func (c *Cache) fetchFromGlobalLocked() *slab {
	if s := popFront(c.globalEmpty); s != nil {
		return s
	}
	c.acquireChunkLocked()
	return popFront(c.globalEmpty)
}

// acquireChunkLocked requests pagesPerChunk*pageSize bytes from the OS,
// plus pageSize-minPageSize bytes of headroom, realigns if necessary,
// initializes every slab in the chunk, and pushes each onto the global
// empty list (spec.md §4.1 "Chunk acquisition."). mapPages only
// guarantees OS-page alignment (at least minPageSize), so the headroom
// keeps all pagesPerChunk slabs inside the mapping after the base is
// rounded up to a pageSize boundary. Caller holds c.globalMu.
func (c *Cache) acquireChunkLocked() {
	reqSize := c.pageSize*uintptr(c.pagesPerChunk) + c.pageSize - minPageSize

	base, err := mapPages(reqSize)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("slabcache: chunk acquisition failed",
				slog.String("cache", c.name),
				slog.Uint64("requested_bytes", uint64(reqSize)),
				slog.String("error", err.Error()))
		}
		panic(errors.Wrapf(err, "slabcache: map_pages(%d) failed for cache %q", reqSize, c.name))
	}

	aligned := base
	perfectlyAligned := true
	if uintptr(base)&(c.pageSize-1) != 0 {
		perfectlyAligned = false
		alignedAddr := (uintptr(base) + c.pageSize - 1) &^ (c.pageSize - 1)
		aligned = unsafe.Pointer(alignedAddr)
	}

	c.mappings = append(c.mappings, mmapping{base: base, size: reqSize})

	for i := 0; i < c.pagesPerChunk; i++ {
		slabBase := unsafe.Pointer(uintptr(aligned) + uintptr(i)*c.pageSize)
		s := c.initSlab(slabBase)
		s.flags.perfectlyAligned = perfectlyAligned
		s.flags.isMmapFront = i == 0
		s.linkAfter(c.globalEmpty)
		c.incEmptyMetric()
	}

	if c.metrics != nil {
		c.metrics.mmaps.Inc()
	}
}

// initSlab placement-initializes the header at base and threads its
// object_count objects into a singly-linked free list, per spec.md §4.1
// "Slab initialization." base must be page-aligned and own at least
// pageSize bytes of zeroed, writable memory.
func (c *Cache) initSlab(base unsafe.Pointer) *slab {
	s := (*slab)(base)
	*s = slab{}

	colorIdx := int(c.colorNext.Add(1)-1) % c.colorMod
	mem := unsafe.Pointer(uintptr(base) + c.headerRounded + uintptr(colorIdx)*c.cacheLineSize)

	s.prev, s.next = s, s
	s.mem = mem
	s.objectCount = c.objectCount
	s.objectSize = c.objectSize

	var head objLink
	for i := c.objectCount - 1; i >= 0; i-- {
		obj := unsafe.Pointer(uintptr(mem) + uintptr(i)*c.objectSize)
		if c.mode == ctorModeBatch {
			if err := c.ctor(obj); err != nil {
				panic(errors.Wrapf(err, "slabcache: batch constructor failed for cache %q", c.name))
			}
		}
		link := linkOf(obj)
		link.setNext(head)
		head = link
	}
	s.localHead = head
	return s
}

// slabFor recovers the slab header owning p: spec.md §3's invariant that
// any object address resolves to its slab by masking off the page bits.
func (c *Cache) slabFor(p unsafe.Pointer) *slab {
	return (*slab)(unsafe.Pointer(uintptr(p) &^ (c.pageSize - 1)))
}

// Close tears the cache down: every OS mapping this cache ever acquired is
// unmapped under the global mutex, using each mapping's original
// (possibly unaligned) base, per spec.md §4.1 "Teardown." All outstanding
// client pointers become invalid; this is unchecked, matching spec.md §7's
// "cache_drop invalidates all outstanding pointers" contract. Close is
// idempotent.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.shards.forEach(func(pc *pcontext) {
		pc.mu.Lock()
		pc.active = nil
		pc.partial = newSlabSentinel()
		pc.full = newSlabSentinel()
		pc.empty = newSlabSentinel()
		pc.emptyCount = 0
		pc.mu.Unlock()
	})

	c.globalMu.Lock()
	defer c.globalMu.Unlock()

	var firstErr error
	for _, m := range c.mappings {
		if err := unmapPages(m.base, m.size); err != nil {
			if c.logger != nil {
				c.logger.Warn("slabcache: teardown unmap failed",
					slog.String("cache", c.name),
					slog.Uint64("size", uint64(m.size)),
					slog.String("error", err.Error()))
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.mappings = nil
	c.globalEmpty = newSlabSentinel()
	return firstErr
}

func (c *Cache) incEmptyMetric() {
	if c.metrics != nil {
		c.metrics.emptySlabs.Inc()
	}
}

func (c *Cache) decEmptyMetric() {
	if c.metrics != nil {
		c.metrics.emptySlabs.Dec()
	}
}

// roundUp rounds x up to the next multiple of align, align must be a
// power of two.
func roundUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// nextPow2Uintptr returns the smallest power of two >= v.
func nextPow2Uintptr(v uintptr) uintptr {
	if v == 0 {
		return 1
	}
	p := uintptr(1)
	for p < v {
		p <<= 1
	}
	return p
}
