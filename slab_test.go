package slabcache

import (
	"testing"
	"unsafe"
)

func TestSlabListLinkUnlink(t *testing.T) {
	sentinel := newSlabSentinel()
	if !sentinel.isSentinelOrEmpty() {
		t.Fatal("fresh sentinel should report empty")
	}

	a := &slab{}
	b := &slab{}
	a.prev, a.next = a, a
	b.prev, b.next = b, b

	a.linkAfter(sentinel)
	b.linkAfter(sentinel)

	// b was linked last, so it sits at the head.
	if sentinel.next != b || b.next != a || a.next != sentinel {
		t.Fatal("unexpected list order after two linkAfter calls")
	}

	popped := popFront(sentinel)
	if popped != b {
		t.Fatalf("expected popFront to return b, got %v", popped)
	}
	if !popped.isSentinelOrEmpty() {
		t.Fatal("popped node should be self-referential")
	}

	popped = popFront(sentinel)
	if popped != a {
		t.Fatalf("expected popFront to return a, got %v", popped)
	}
	if popFront(sentinel) != nil {
		t.Fatal("expected empty list after popping both nodes")
	}
}

func TestSlabPopBackEvictsOldest(t *testing.T) {
	sentinel := newSlabSentinel()
	first := &slab{}
	second := &slab{}
	third := &slab{}
	first.prev, first.next = first, first
	second.prev, second.next = second, second
	third.prev, third.next = third, third

	first.linkAfter(sentinel)
	second.linkAfter(sentinel)
	third.linkAfter(sentinel)
	// head order is now: third, second, first (most recent first)

	if popBack(sentinel) != first {
		t.Fatal("popBack should evict the oldest (least recently linked) node")
	}
	if popBack(sentinel) != second {
		t.Fatal("popBack should evict second-oldest next")
	}
	if popBack(sentinel) != third {
		t.Fatal("popBack should evict the last remaining node")
	}
	if popBack(sentinel) != nil {
		t.Fatal("expected nil from popBack on empty list")
	}
}

func TestObjLinkFreeListThreading(t *testing.T) {
	const n = 8
	const objSize = 32
	buf := make([]byte, n*objSize)
	base := unsafe.Pointer(&buf[0])

	var head objLink
	for i := n - 1; i >= 0; i-- {
		obj := unsafe.Pointer(uintptr(base) + uintptr(i)*objSize)
		link := linkOf(obj)
		link.setNext(head)
		head = link
	}

	// Walk the list; it must visit every slot exactly once, starting at
	// object 0.
	visited := make(map[int]bool, n)
	cur := head
	for cur != 0 {
		off := (uintptr(cur.ptr()) - uintptr(base)) / objSize
		if visited[int(off)] {
			t.Fatalf("object %d visited twice", off)
		}
		visited[int(off)] = true
		cur = cur.next()
	}
	if len(visited) != n {
		t.Fatalf("expected to visit %d objects, visited %d", n, len(visited))
	}
	if uintptr(head.ptr()) != uintptr(base) {
		t.Fatal("expected free-list head to be object 0")
	}
}

func TestReclaimRemote(t *testing.T) {
	const n = 4
	const objSize = 16
	buf := make([]byte, n*objSize)
	base := unsafe.Pointer(&buf[0])

	s := &slab{objectSize: objSize, objectCount: n, mem: base, activeObjCnt: n}
	s.prev, s.next = s, s

	for i := 0; i < n; i++ {
		obj := unsafe.Pointer(uintptr(base) + uintptr(i)*objSize)
		s.pushRemote(obj)
	}

	if !s.hasRemotePending() {
		t.Fatal("expected pending remote frees")
	}

	reclaimed := s.reclaimRemote()
	if reclaimed != n {
		t.Fatalf("expected to reclaim %d objects, got %d", n, reclaimed)
	}
	if s.activeObjCnt != 0 {
		t.Fatalf("expected activeObjCnt to drop to 0, got %d", s.activeObjCnt)
	}
	if s.localHead == 0 {
		t.Fatal("expected reclaimed objects to populate localHead")
	}
	if s.reclaimRemote() != 0 {
		t.Fatal("second reclaim on drained atomicHead should return 0")
	}
}

func TestObjectAtAndIndexOf(t *testing.T) {
	const n = 10
	const objSize = 40
	buf := make([]byte, n*objSize)
	s := &slab{objectSize: objSize, objectCount: n, mem: unsafe.Pointer(&buf[0])}

	for i := 0; i < n; i++ {
		p := s.objectAt(i)
		if s.indexOf(p) != i {
			t.Fatalf("indexOf(objectAt(%d)) = %d", i, s.indexOf(p))
		}
	}
}
