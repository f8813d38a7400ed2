package slabcache

import (
	"hash/fnv"
	"math/bits"
	"runtime"
	"sync"
)

// pcontext is the Go-native rendering of spec.md's "per-thread context":
// since Go exposes no thread-local-storage hook a library can register a
// destructor against, this repository shards contexts by a hash of the
// calling goroutine's stack header (see currentProcHint and SPEC_FULL.md
// §2): each goroutine maps to one fixed shard, and several goroutines may
// share a shard. A free from a goroutine on another shard than the slab's
// owner is always safe, because a slab whose "owner" does not match the
// caller is freed through the remote-free path (see (*Cache).Free).
type pcontext struct {
	mu sync.Mutex // guards the three lists and emptyCount for this shard

	partial, full, empty *slab
	active               *slab

	emptyCount int

	scavengeCooldown int // allocations remaining before the next full-list scavenge attempt
}

const (
	maxLocalEmptySlabs = 16 // hoarding cap from spec.md §4.1/§5
	scavengeWalkLimit  = 64 // "up to 64 entries" from spec.md §4.1
	scavengeCooldownN  = 64 // "next 64 allocations skip scavenge" from spec.md §4.1
)

func newPContext() *pcontext {
	return &pcontext{
		partial: newSlabSentinel(),
		full:    newSlabSentinel(),
		empty:   newSlabSentinel(),
	}
}

// pcontextShards is the fixed-size, power-of-two-sized array of per-P
// contexts backing one Cache. Sized once at construction from
// runtime.GOMAXPROCS, matching the teacher's own perCPUCacheArray sizing
// rule and Go's own per-P mcache array.
type pcontextShards struct {
	shards []*pcontext
	mask   uint64
}

func newPContextShards() *pcontextShards {
	n := nextPowerOfTwo(uint32(runtime.GOMAXPROCS(0)))
	shards := make([]*pcontext, n)
	for i := range shards {
		shards[i] = newPContext()
	}
	return &pcontextShards{shards: shards, mask: uint64(n - 1)}
}

func (s *pcontextShards) current() *pcontext {
	return s.shards[currentProcHint()&s.mask]
}

func (s *pcontextShards) forEach(f func(*pcontext)) {
	for _, c := range s.shards {
		f(c)
	}
}

// currentProcHint produces a cheap, stable-for-the-duration-of-one-call
// shard index. It deliberately does not claim to be a true P id: it is a
// locality hint only, in the same spirit as the teacher's own
// getCurrentCPUID, which hashes a short goroutine stack capture. Any
// mismatch between two calls from what turns out to be the same goroutine
// only costs a remote-free round trip; it never breaks an invariant.
func currentProcHint() uint64 {
	var buf [48]byte
	n := runtime.Stack(buf[:], false)
	h := fnv.New64a()
	h.Write(buf[:n])
	return h.Sum64()
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// moveFullToPartial relocates s (currently on the full list) to partial.
func (c *pcontext) moveFullToPartial(s *slab) {
	s.unlink()
	s.linkAfter(c.partial)
}

func (c *pcontext) movePartialToFull(s *slab) {
	s.unlink()
	s.linkAfter(c.full)
}

func (c *pcontext) movePartialToEmpty(s *slab) {
	s.unlink()
	s.linkAfter(c.empty)
	c.emptyCount++
}

// scavengeFull walks at most scavengeWalkLimit entries of the full list
// looking for a slab with a non-empty remote-free inbox (spec.md §4.1
// "Scavenge."). On a hit it unlinks and returns that slab, leaving its
// remote objects unreclaimed for the caller to drain via reclaimRemote.
// A nil result means the walk found nothing within the limit (the caller
// is responsible for setting the cooldown).
func (c *pcontext) scavengeFull() *slab {
	s := c.full.next
	for i := 0; i < scavengeWalkLimit && s != c.full; i++ {
		next := s.next
		if s.hasRemotePending() {
			s.unlink()
			return s
		}
		s = next
	}
	return nil
}
