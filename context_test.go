package slabcache

import (
	"testing"
	"unsafe"
)

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uint32]uint32{
		0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 7: 8, 8: 8, 9: 16, 1000: 1024,
	}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPContextShardsSizing(t *testing.T) {
	s := newPContextShards()
	if len(s.shards) == 0 {
		t.Fatal("expected at least one shard")
	}
	if len(s.shards)&(len(s.shards)-1) != 0 {
		t.Fatalf("expected shard count to be a power of two, got %d", len(s.shards))
	}
	if uint64(len(s.shards)-1) != s.mask {
		t.Fatalf("mask %d inconsistent with shard count %d", s.mask, len(s.shards))
	}
	for i, pc := range s.shards {
		if pc == nil {
			t.Fatalf("shard %d is nil", i)
		}
		if pc.partial == nil || pc.full == nil || pc.empty == nil {
			t.Fatalf("shard %d missing a list sentinel", i)
		}
	}
}

func TestPContextCurrentIsStable(t *testing.T) {
	s := newPContextShards()
	first := s.current()
	for i := 0; i < 50; i++ {
		if s.current() != first {
			t.Fatal("shard selection should be stable across repeated calls from the same call site")
		}
	}
}

func TestScavengeFullFindsRemotePending(t *testing.T) {
	pc := newPContext()

	const objSize = 16
	buf := make([]byte, objSize)

	clean := &slab{}
	clean.prev, clean.next = clean, clean
	clean.linkAfter(pc.full)

	dirty := &slab{objectSize: objSize, objectCount: 1, mem: nil}
	dirty.prev, dirty.next = dirty, dirty
	dirty.linkAfter(pc.full)
	dirty.pushRemote(unsafe.Pointer(&buf[0]))

	found := pc.scavengeFull()
	if found != dirty {
		t.Fatalf("expected scavenge to find the slab with remote pending, got %v", found)
	}
	if !found.isSentinelOrEmpty() {
		t.Fatal("scavenged slab should have been unlinked from the full list")
	}
}
