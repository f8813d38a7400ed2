package slabcache

import (
	"sync/atomic"
	"unsafe"
)

// slabFlags records properties fixed at slab-initialization time.
type slabFlags struct {
	perfectlyAligned bool // slab lies at the base of a naturally page-aligned mmap
	isMmapFront      bool // slab is the first slab of its mmap chunk (only fronts are unmapped)
}

// slab is the per-slab header placed at the base of a page-aligned region.
// It doubles as an intrusive doubly-linked-list node (link/unlink below) and
// as the target of atomic remote-free pushes. Every field except atomicHead
// is touched only by the thread that currently owns the slab (see §5 of
// SPEC_FULL.md); atomicHead is the sole field non-owners may mutate.
type slab struct {
	prev, next *slab // intrusive list pointers; sentinel nodes are self-referential

	localHead  objLink        // owner-only singly-linked free list, links live inside free objects
	atomicHead unsafe.Pointer // CAS target for remote frees, same encoding as objLink

	// owner transitions only at the two synchronization points spec.md §5
	// describes (global-mutex fetch and return). spec.md models it as an
	// ordinary field because the C original's "owner" read by a remote
	// freer races benignly with those transitions under real OS threads.
	// Go's memory model has no such exception for plain pointer fields
	// shared across goroutines, so this repository renders the same
	// benign race as an atomic.Pointer: same semantics, race-detector
	// clean, no added blocking (Load/Store are single lock-free atomic
	// operations, never a lock).
	owner atomic.Pointer[pcontext]

	activeObjCnt int // objects currently handed out from this slab
	objectCount  int // fixed object capacity of this slab (copied from owning Cache)
	objectSize   uintptr

	mem unsafe.Pointer // base address of object 0

	flags slabFlags
}

// objLink is the intrusive free-list link type: a uintptr-sized value
// overlaying the first machine word of a free object. This is the same
// representation the Go runtime itself uses for mspan free lists
// (runtime's gclinkptr, reproduced verbatim across the retrieved corpus's
// mcache/mcentral excerpts) — a plain uintptr rather than a typed pointer
// so the garbage collector never tries to interpret or follow it.
type objLink uintptr

func (l objLink) ptr() unsafe.Pointer { return unsafe.Pointer(l) }

// next reads the link word stored at the head of the free object l points
// to. The zero value (objLink(0)) represents "no next" and must never be
// dereferenced.
func (l objLink) next() objLink {
	return *(*objLink)(l.ptr())
}

func (l objLink) setNext(n objLink) {
	*(*objLink)(l.ptr()) = n
}

func linkOf(p unsafe.Pointer) objLink { return objLink(uintptr(p)) }

// newSlabSentinel returns a self-referential list head used as the owner
// of a (possibly empty) doubly-linked list of slabs. Sentinels are never
// handed out as real slabs; active_obj_cnt and mem stay zero.
func newSlabSentinel() *slab {
	s := &slab{}
	s.prev, s.next = s, s
	return s
}

func (s *slab) isSentinelOrEmpty() bool { return s.next == s }

// unlink splices s out of whatever list it currently sits in and makes it
// self-referential. O(1), unsynchronized: callers must hold exclusive
// access to both s and its neighbors (true whenever a thread is operating
// on slabs it owns, or on the global reservoir under the cache mutex).
func (s *slab) unlink() {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = s, s
}

// linkAfter inserts s immediately after sentinel, i.e. at the head of
// sentinel's list.
func (s *slab) linkAfter(sentinel *slab) {
	n := sentinel.next
	s.prev, s.next = sentinel, n
	sentinel.next = s
	n.prev = s
}

// popFront removes and returns the first real node after the sentinel, or
// nil if the list (headed by sentinel) is empty.
func popFront(sentinel *slab) *slab {
	if sentinel.next == sentinel {
		return nil
	}
	s := sentinel.next
	s.unlink()
	return s
}

// popBack removes and returns the last real node before the sentinel, or
// nil if the list is empty. Used by the hoarding-cap flush (spec.md §4.1,
// §9): evicting from the tail keeps the most recently touched slabs
// resident, since linkAfter always inserts at the head.
func popBack(sentinel *slab) *slab {
	if sentinel.prev == sentinel {
		return nil
	}
	s := sentinel.prev
	s.unlink()
	return s
}

// popLocal pops the head of the owner-only free list and returns the
// object pointer, or nil if the slab has no local free capacity.
func (s *slab) popLocal() unsafe.Pointer {
	if s.localHead == 0 {
		return nil
	}
	p := s.localHead.ptr()
	s.localHead = s.localHead.next()
	s.activeObjCnt++
	return p
}

// pushLocal returns obj to the owner-only free list. Caller updates
// activeObjCnt and performs any list migration.
func (s *slab) pushLocal(obj unsafe.Pointer) {
	link := linkOf(obj)
	link.setNext(s.localHead)
	s.localHead = link
}

// pushRemote links obj into the slab's atomic remote-free stack with
// release ordering, per spec.md §5: non-owner threads may freely CAS this
// field and must treat the rest of the header as read-only.
func (s *slab) pushRemote(obj unsafe.Pointer) {
	for {
		head := atomic.LoadPointer(&s.atomicHead)
		*(*unsafe.Pointer)(obj) = head
		if atomic.CompareAndSwapPointer(&s.atomicHead, head, obj) {
			return
		}
	}
}

// reclaimRemote atomically swaps atomicHead with nil (acquire ordering: any
// object that was pushed there by another thread becomes safely visible),
// walks the recovered chain to splice it onto localHead, and returns the
// number of objects reclaimed. A zero result means nothing was pending.
func (s *slab) reclaimRemote() int {
	head := atomic.SwapPointer(&s.atomicHead, nil)
	if head == nil {
		return 0
	}
	n := 1
	tail := linkOf(head)
	for {
		next := tail.next()
		if next == 0 {
			break
		}
		tail = next
		n++
	}
	tail.setNext(s.localHead)
	s.localHead = linkOf(head)
	s.activeObjCnt -= n
	return n
}

// hasRemotePending is a cheap, racy peek used only by scavenge to decide
// whether a full slab is worth reclaiming into; the authoritative
// operation remains reclaimRemote's CAS.
func (s *slab) hasRemotePending() bool {
	return atomic.LoadPointer(&s.atomicHead) != nil
}

// objectAt returns the address of the i-th object in the slab.
func (s *slab) objectAt(i int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(s.mem) + uintptr(i)*s.objectSize)
}

// indexOf returns the object index of p within the slab, assuming p lies
// within [mem, mem+objectCount*objectSize).
func (s *slab) indexOf(p unsafe.Pointer) int {
	return int((uintptr(p) - uintptr(s.mem)) / s.objectSize)
}
