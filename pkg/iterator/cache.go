package iterator

import (
	"boulder/internal/base"
	"boulder/pkg/cache"
)

// CacheSource is the merge iterator's second source (spec.md §4.4's append
// order: "transaction write set first, then cache, then active mem ..."):
// the per-index read cache, exposed as a chain of squashed statements
// recorded by earlier global-view reads. It yields a key only when the
// cache holds an adjacency proof — an exact entry for the seek key, or a
// link recorded between two consecutively emitted keys — and raises the
// stop flag when the hit is a range-boundary entry, telling the merge
// iterator not to consult the remaining sources for that key. Links are
// recorded by ascending scans only, so callers skip this source for
// descending iteration.
type CacheSource struct {
	c      *cache.Cache
	cur    *base.InternalKV
	stop   bool
	primed bool
}

// NewCacheSource seeds the source with the entry cached for the seek key,
// if a current-epoch one exists.
func NewCacheSource(c *cache.Cache, key []byte) *CacheSource {
	s := &CacheSource{c: c}
	if key != nil {
		if e, ok := c.Lookup(key); ok {
			s.cur = entryKV(key, e)
			s.stop = e.Boundary
			s.primed = true
		}
	}
	return s
}

func entryKV(key []byte, e cache.Entry) *base.InternalKV {
	return &base.InternalKV{
		K:     base.MakeInternalKey(append([]byte(nil), key...), e.LSN, base.InternalKeyKindSet),
		V:     e.Value,
		Owner: base.OwnerHeap,
	}
}

// NextKey implements Source: on the first call it returns the seeded
// position; thereafter it follows the current key's chain link. A key the
// cache cannot prove adjacent yields nil — the mems and runs answer for it
// instead.
func (s *CacheSource) NextKey() (*base.InternalKV, bool) {
	if s.primed {
		s.primed = false
		return s.cur, s.stop
	}
	if s.cur == nil {
		return nil, false
	}
	next, e, ok := s.c.Follow(s.cur.K.UserKey)
	if !ok {
		s.cur = nil
		return nil, false
	}
	s.cur = entryKV(next, e)
	s.stop = e.Boundary
	return s.cur, s.stop
}

// NextLSN is always nil: the cache keeps exactly one squashed version per
// key.
func (s *CacheSource) NextLSN() *base.InternalKV { return nil }

// Restore repositions to the key chain-linked past lastStmt, the mutable
// half of spec.md §4.4's restore contract: the cache's contents shift with
// every read, so the position is recomputed from the link rather than
// assumed.
func (s *CacheSource) Restore(lastStmt *base.InternalKV) (*base.InternalKV, bool) {
	if lastStmt == nil {
		return s.cur, false
	}
	next, e, ok := s.c.Follow(lastStmt.K.UserKey)
	if !ok {
		changed := s.cur != nil
		s.cur = nil
		return nil, changed
	}
	s.cur = entryKV(next, e)
	s.stop = e.Boundary
	s.primed = false
	return s.cur, true
}

// Mutable reports true: the cache changes under every concurrent read.
func (s *CacheSource) Mutable() bool { return true }

// Cleanup has nothing to release for a cache source.
func (s *CacheSource) Cleanup() {}

// Close has no resources to release; the cache belongs to the index.
func (s *CacheSource) Close() error { return nil }
