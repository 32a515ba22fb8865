package iterator

import (
	"boulder/internal/base"
	"boulder/internal/compare"
)

// CursorSource adapts the engine's plain positional Iterator (a mem's
// skiplist cursor, a run's page cursor) into the merge iterator's Source
// contract. Both mem and run cursors are immutable for the lifetime of a
// merge iterator (spec.md §4.4's "immutable" category); Restore only ever
// has to catch the cursor up after a stop round it was excluded from.
type CursorSource struct {
	it        Iterator
	cmp       compare.Compare
	ascending bool
	cur       *base.InternalKV
	// pending holds the first version of the next key when NextLSN walked
	// off the end of the current key's history: the underlying cursor has
	// physically advanced, but the Source contract says the position stays
	// "at end of key" until the next NextKey call consumes it.
	pending *base.InternalKV
	primed  bool
}

func (s *CursorSource) step() *base.InternalKV {
	if s.ascending {
		return s.it.Next()
	}
	return s.it.Prev()
}

// NextKey implements Source: on the first call it returns the position the
// source was already seeked to; thereafter it skips every remaining
// version of the current key and returns the first version of the next.
func (s *CursorSource) NextKey() (*base.InternalKV, bool) {
	if s.primed {
		s.primed = false
		return s.cur, false
	}
	if s.pending != nil {
		s.cur = s.pending
		s.pending = nil
		return s.cur, false
	}
	if s.cur == nil {
		return nil, false
	}
	key := s.cur.K.UserKey
	for {
		s.cur = s.step()
		if s.cur == nil || s.cmp(s.cur.K.UserKey, key) != 0 {
			break
		}
	}
	return s.cur, false
}

// NextLSN implements Source: advances one version within the current key,
// returning nil at the end of the key's history. A different-key entry
// discovered by the advance is parked in pending for the next NextKey call
// rather than consumed.
func (s *CursorSource) NextLSN() *base.InternalKV {
	if s.cur == nil {
		return nil
	}
	key := s.cur.K.UserKey
	next := s.step()
	if next == nil {
		s.cur = nil
		return nil
	}
	if s.cmp(next.K.UserKey, key) != 0 {
		s.cur = nil
		s.pending = next
		return nil
	}
	s.cur = next
	return next
}

// Restore repositions just past lastStmt when the cursor was left at or
// before it by a round it did not take part in (an earlier source's stop
// flag cut the round short). The underlying mem/run never changes, so this
// only ever moves the cursor forward in iteration direction.
func (s *CursorSource) Restore(lastStmt *base.InternalKV) (*base.InternalKV, bool) {
	if lastStmt == nil {
		return s.cur, false
	}
	pos := s.cur
	if pos == nil {
		pos = s.pending
	}
	if pos == nil {
		return nil, false
	}
	c := s.cmp(pos.K.UserKey, lastStmt.K.UserKey)
	if (s.ascending && c > 0) || (!s.ascending && c < 0) {
		return s.cur, false
	}
	s.pending = nil
	s.primed = false
	if s.ascending {
		s.cur = s.it.SeekGE(lastStmt.K.UserKey)
		for s.cur != nil && s.cmp(s.cur.K.UserKey, lastStmt.K.UserKey) == 0 {
			s.cur = s.it.Next()
		}
	} else {
		s.cur = s.it.SeekLT(lastStmt.K.UserKey)
	}
	return s.cur, true
}

// Mutable reports false: mems and runs never change under an open merge
// iterator (spec.md §4.4's source categories).
func (s *CursorSource) Mutable() bool { return false }

// Cleanup has nothing to release for a cursor source.
func (s *CursorSource) Cleanup() {}

// Close releases the underlying cursor (unpinning the mem it was opened
// against, or releasing the run's page buffers).
func (s *CursorSource) Close() error { return s.it.Close() }

// SeekSource seeks it per kind/key and wraps the result as a Source ready
// to hand to NewMergeIterator (spec.md §4.1's iterator_type /
// Locate-for-read positioning rules, applied per-source rather than
// per-range).
func SeekSource(it Iterator, cmp compare.Compare, kind base.IterKind, key []byte) *CursorSource {
	ascending := kind.Ascending()
	var first *base.InternalKV
	switch {
	case key == nil && ascending:
		first = it.First()
	case key == nil:
		first = it.Last()
	case kind == base.IterGE || kind == base.IterEQ:
		first = it.SeekGE(key)
	case kind == base.IterGT:
		first = it.SeekGE(key)
		if first != nil && cmp(first.K.UserKey, key) == 0 {
			// Skip every version of the equal key to land strictly past it.
			cs := &CursorSource{it: it, cmp: cmp, ascending: true, cur: first}
			first, _ = cs.NextKey()
		}
	case kind == base.IterLE:
		if ge := it.SeekGE(key); ge != nil && cmp(ge.K.UserKey, key) == 0 {
			first = ge
		} else {
			first = it.SeekLT(key)
		}
	default: // base.IterLT
		first = it.SeekLT(key)
	}
	return &CursorSource{it: it, cmp: cmp, ascending: ascending, cur: first, primed: true}
}
