package index

import (
	"boulder/internal/base"
	"boulder/pkg/iterator"
	"boulder/pkg/rangetree"
	"boulder/pkg/txn"
)

// ReadIterator composes a range walker with a merge iterator per range
// (spec.md §4.5): it drives NextKeyGroup, squashes UPSERT chains, skips
// DELETE, steps to the next range when the current one is exhausted, and
// populates the index's cache with continuation markers.
type ReadIterator struct {
	idx     *Index
	kind    base.IterKind
	view    *txn.ReadView
	tx      *txn.Transaction
	applyFn txn.UpsertApplyFunc

	curRange  *rangetree.Range
	searchKey []byte
	merge     *iterator.MergeIterator
	lastKey   []byte
	// lastLive is the last live key this scan emitted within the current
	// range, the anchor for the cache's adjacency links; it never carries
	// across a range step or a version-change re-open.
	lastLive []byte
	done     bool
}

// NewReadIterator opens a read iterator over idx starting at key (nil for
// an unbounded First/Last) under the given read view. tx may be nil for a
// read outside any transaction; applyFn collapses UPSERT chains exactly as
// spec.md §4.5 describes ("applies an external upsert-execute step").
func NewReadIterator(idx *Index, kind base.IterKind, key []byte, view *txn.ReadView, tx *txn.Transaction, applyFn txn.UpsertApplyFunc) (*ReadIterator, error) {
	r, err := idx.Tree().LocateForRead(kind, key)
	if err != nil {
		return nil, err
	}
	ri := &ReadIterator{idx: idx, kind: kind, view: view, tx: tx, applyFn: applyFn, curRange: r, searchKey: key}
	ri.merge = ri.buildMerge(key)
	return ri, nil
}

func (ri *ReadIterator) buildMerge(key []byte) *iterator.MergeIterator {
	return ri.buildMergeKind(ri.kind, key)
}

func (ri *ReadIterator) buildMergeKind(kind base.IterKind, key []byte) *iterator.MergeIterator {
	active, sealed, runs := ri.curRange.Snapshot()
	cmp := ri.idx.Compare()
	ascending := kind.Ascending()

	var sources []iterator.Source
	if ws := ri.writeSetSource(); ws != nil {
		sources = append(sources, ws)
	}
	// The cache is the second source (spec.md §4.4's append order). Its
	// entries are squashed global-view values chained by ascending scans,
	// so it only participates in ascending iteration under the global view.
	if ri.view.VLSN() == txn.VLSNGlobal && kind.Ascending() {
		sources = append(sources, iterator.NewCacheSource(ri.idx.Cache(), key))
	}
	lower, upper := ri.curRange.Begin, ri.curRange.End
	sources = append(sources, iterator.SeekSource(active.NewIter(lower, upper), cmp, kind, key))
	for _, m := range sealed {
		sources = append(sources, iterator.SeekSource(m.NewIter(lower, upper), cmp, kind, key))
	}
	for _, rn := range runs {
		// Empty runs are logged but skipped on read (spec.md §4.3), and on an
		// equality search the bloom filter rules a run out without touching
		// its pages.
		if rn.Empty() {
			continue
		}
		if kind == base.IterEQ && key != nil && !rn.MayContain(key) {
			continue
		}
		sources = append(sources, iterator.SeekSource(rn.NewIter(lower, upper), cmp, kind, key))
	}
	// While a split is in flight the located range is the shadow parent;
	// writes that raced the split are routed to the children's active mems,
	// so the merge must consult them too (spec.md §4.1: "concurrent reads
	// iterate across both parent and children via the shadow pointer").
	if ri.curRange.Shadow {
		for _, c := range ri.curRange.Children {
			if c == nil {
				continue
			}
			ca, cs, _ := c.Snapshot()
			sources = append(sources, iterator.SeekSource(ca.NewIter(c.Begin, c.End), cmp, kind, key))
			for _, m := range cs {
				sources = append(sources, iterator.SeekSource(m.NewIter(c.Begin, c.End), cmp, kind, key))
			}
		}
	}

	m := iterator.NewMergeIterator(cmp, ascending, ri.idx.Tree().Version(), sources...)
	if kind == base.IterEQ {
		m.SetUniqueOptimization(true)
	}
	return m
}

// sliceSource adapts the transaction's own write-set entries for this
// index into a merge Source: oldest-suppresses-newest places it first
// (spec.md §4.4 "sources are appended ... transaction write set first").
// Each key appears at most once since Transaction.Write already squashes
// repeated writes to the same key.
type sliceSource struct {
	items     []base.InternalKV
	cmp       func(a, b []byte) int
	ascending bool
	pos       int
}

func (s *sliceSource) current() *base.InternalKV {
	if s.pos < 0 || s.pos >= len(s.items) {
		return nil
	}
	v := s.items[s.pos]
	return &v
}

func (s *sliceSource) NextKey() (*base.InternalKV, bool) {
	s.pos++
	return s.current(), false
}

func (s *sliceSource) NextLSN() *base.InternalKV { return nil }

// Restore skips forward past lastStmt, catching the write set up after a
// round a cache stop excluded it from.
func (s *sliceSource) Restore(lastStmt *base.InternalKV) (*base.InternalKV, bool) {
	if lastStmt == nil {
		return s.current(), false
	}
	i := s.pos
	if i < 0 {
		i = 0
	}
	moved := false
	for i < len(s.items) && !s.past(s.items[i].K.UserKey, lastStmt.K.UserKey) {
		i++
		moved = true
	}
	if moved {
		s.pos = i
	}
	return s.current(), moved
}

func (s *sliceSource) past(key, last []byte) bool {
	c := s.cmp(key, last)
	if s.ascending {
		return c > 0
	}
	return c < 0
}

// Mutable reports true: the transaction's write set can grow between the
// rounds of an open iteration.
func (s *sliceSource) Mutable() bool { return true }

func (s *sliceSource) Cleanup()     {}
func (s *sliceSource) Close() error { return nil }

func (ri *ReadIterator) writeSetSource() iterator.Source {
	if ri.tx == nil {
		return nil
	}
	var items []base.InternalKV
	for _, w := range ri.tx.Writes() {
		if w.Index.ID() != ri.idx.ID() {
			continue
		}
		// A synthetic LSN just below base.SentinelFloor: newer than any
		// real commit LSN (assigned from a small monotonic counter) but
		// still below the floor that marks a statement as an unreadable
		// in-flight prepare, so the transaction always observes its own
		// pending writes regardless of its read view's vlsn.
		trailer := base.MakeTrailer(base.SentinelFloor-1, w.Kind)
		items = append(items, base.InternalKV{K: base.InternalKey{UserKey: w.Key, Trailer: trailer}, V: w.Value, ColumnMask: w.ColumnMask, UpsertCount: w.UpsertCount})
	}
	if len(items) == 0 {
		return nil
	}
	cmp := ri.idx.Compare()
	ascending := ri.kind.Ascending()
	sortItems(items, cmp, ascending)
	return &sliceSource{items: items, cmp: cmp, ascending: ascending, pos: -1}
}

func sortItems(items []base.InternalKV, cmp func(a, b []byte) int, ascending bool) {
	less := func(i, j int) bool {
		c := cmp(items[i].K.UserKey, items[j].K.UserKey)
		if ascending {
			return c < 0
		}
		return c > 0
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Next returns the next visible key/value (spec.md §4.5), collapsing
// UPSERT chains and skipping DELETEs, or (nil, nil, nil) at end of index.
func (ri *ReadIterator) Next() (key, value []byte, err error) {
	if ri.done {
		return nil, nil, nil
	}
	for {
		group := ri.merge.NextKeyGroup()
		if group == nil {
			if ri.kind == base.IterEQ {
				ri.done = true
				return nil, nil, nil
			}
			if ri.merge.Version() != ri.idx.Tree().Version() {
				// The range tree changed underneath this iterator (spec.md
				// §4.4 "Version tracking"); re-open strictly past the last
				// emitted key so nothing is returned twice, or from the
				// original search key if nothing has been emitted yet.
				_ = ri.merge.Close()
				ri.lastLive = nil
				if ri.lastKey != nil {
					resume := base.IterGT
					if !ri.kind.Ascending() {
						resume = base.IterLT
					}
					if r, lerr := ri.idx.Tree().LocateForRead(resume, ri.lastKey); lerr == nil {
						ri.curRange = r
					}
					ri.merge = ri.buildMergeKind(resume, ri.lastKey)
				} else {
					if r, lerr := ri.idx.Tree().LocateForRead(ri.kind, ri.searchKey); lerr == nil {
						ri.curRange = r
					}
					ri.merge = ri.buildMerge(ri.searchKey)
				}
				continue
			}
			ri.markBoundary()
			next := ri.idx.Tree().Walk(ri.curRange, ri.kind)
			if next == nil {
				ri.done = true
				return nil, nil, nil
			}
			_ = ri.merge.Close()
			ri.curRange = next
			ri.lastLive = nil // adjacency links never cross a range boundary
			ri.merge = ri.buildMerge(nil)
			continue
		}

		// An equality search's sources seek with GE; landing past the search
		// key means the key simply isn't there.
		if ri.kind == base.IterEQ && ri.idx.Compare()(group.Key, ri.searchKey) != 0 {
			ri.done = true
			return nil, nil, nil
		}

		visible := visibleVersions(group.Versions, ri.view)
		if len(visible) == 0 {
			if ri.kind == base.IterEQ {
				ri.done = true
				return nil, nil, nil
			}
			continue
		}
		value, isDelete := squashUpsertChain(visible, ri.applyFn)
		if isDelete {
			ri.lastKey = group.Key
			if ri.kind == base.IterEQ {
				ri.done = true
				return nil, nil, nil
			}
			continue
		}
		ri.populateCache(group.Key, value, visible[0].SeqNum())
		ri.lastKey = group.Key
		return group.Key, value, nil
	}
}

// populateCache records the squashed value just emitted and chain-links it
// to the previous live key of the same range (spec.md §4.5). Only
// untransacted global-view reads feed the cache: a transaction's merge can
// include its own uncommitted write-set statements, and a stale read view
// must not pollute it either.
func (ri *ReadIterator) populateCache(key, value []byte, lsn base.SeqNum) {
	if ri.tx != nil || ri.view.VLSN() != txn.VLSNGlobal || !ri.kind.Ascending() {
		return
	}
	ri.idx.Cache().Put(key, value, lsn)
	if ri.lastLive != nil {
		ri.idx.Cache().Link(ri.lastLive, key)
	}
	ri.lastLive = append([]byte(nil), key...)
}

// markBoundary flags the last live key emitted in the current range as the
// range's end, the cache hit spec.md §4.4's stop flag is raised on.
func (ri *ReadIterator) markBoundary() {
	if ri.tx != nil || ri.view.VLSN() != txn.VLSNGlobal || !ri.kind.Ascending() || ri.lastLive == nil {
		return
	}
	ri.idx.Cache().MarkBoundary(ri.lastLive)
}

// Close releases the current merge iterator's sources.
func (ri *ReadIterator) Close() error {
	if ri.merge == nil {
		return nil
	}
	return ri.merge.Close()
}

func visibleVersions(versions []base.InternalKV, view *txn.ReadView) []base.InternalKV {
	out := versions[:0:0]
	for _, v := range versions {
		if v.Kind() == base.InternalKeyKindAborted {
			continue
		}
		if !view.Visible(v.SeqNum()) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// squashUpsertChain collapses a visible, newest-first version list into
// the value a reader observes (spec.md §4.5): a REPLACE or DELETE is
// returned as-is; an UPSERT chain is walked until a REPLACE/DELETE base
// (or the end of history) and folded oldest-to-newest via applyFn.
func squashUpsertChain(versions []base.InternalKV, applyFn txn.UpsertApplyFunc) (value []byte, isDelete bool) {
	head := versions[0]
	switch head.Kind() {
	case base.InternalKeyKindDelete:
		return nil, true
	case base.InternalKeyKindSet:
		return head.V, false
	}

	baseIdx := -1
	for i := 1; i < len(versions); i++ {
		if k := versions[i].Kind(); k == base.InternalKeyKindSet || k == base.InternalKeyKindDelete {
			baseIdx = i
			break
		}
	}

	var result base.InternalKV
	start := len(versions) - 1
	if baseIdx >= 0 {
		if versions[baseIdx].Kind() == base.InternalKeyKindSet {
			result = versions[baseIdx]
		}
		start = baseIdx - 1
	}
	for i := start; i >= 0; i-- {
		if versions[i].Kind() != base.InternalKeyKindUpsert {
			continue
		}
		if applyFn != nil {
			result = applyFn(result, versions[i])
		} else {
			result = versions[i]
		}
	}
	return result.V, false
}
