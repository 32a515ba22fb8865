package index

import (
	"boulder/internal/base"
	"boulder/pkg/iterator"
	"boulder/pkg/txn"
)

// WriteIterator drives a compaction task's output stream (spec.md §4.6):
// statements newer than the oldest visible LSN pass through untouched;
// the youngest statement at or below that threshold is resolved to a
// single REPLACE/DELETE (folding any UPSERT chain via applyFn), and
// secondary-index statements whose column mask doesn't intersect the
// index's covered columns are suppressed.
type WriteIterator struct {
	merge            *iterator.MergeIterator
	oldestVisibleLSN base.SeqNum
	lastLevel        bool
	columnMask       uint64
	applyFn          txn.UpsertApplyFunc
	queue            []base.InternalKV
}

// NewWriteIterator builds a write iterator over sources already seeked to
// the compaction's starting key (mems and the selected runs being merged,
// newest to oldest, per spec.md §4.4's append order).
func NewWriteIterator(cmp func(a, b []byte) int, ascending bool, version uint64, oldestVisibleLSN base.SeqNum, lastLevel bool, columnMask uint64, applyFn txn.UpsertApplyFunc, sources ...iterator.Source) *WriteIterator {
	return &WriteIterator{
		merge:            iterator.NewMergeIterator(cmp, ascending, version, sources...),
		oldestVisibleLSN: oldestVisibleLSN,
		lastLevel:        lastLevel,
		columnMask:       columnMask,
		applyFn:          applyFn,
	}
}

// Next returns the next statement to write to the new run, or nil at end
// of input.
func (wi *WriteIterator) Next() *base.InternalKV {
	for len(wi.queue) == 0 {
		group := wi.merge.NextKeyGroup()
		if group == nil {
			return nil
		}
		wi.queue = wi.processGroup(group)
	}
	out := wi.queue[0]
	wi.queue = wi.queue[1:]
	return &out
}

// Close releases the underlying merge iterator's sources.
func (wi *WriteIterator) Close() error { return wi.merge.Close() }

func (wi *WriteIterator) suppressed(v base.InternalKV) bool {
	if wi.columnMask == 0 {
		return false
	}
	return v.ColumnMask != 0 && v.ColumnMask&wi.columnMask == 0
}

// processGroup implements the per-key contract of spec.md §4.6.
func (wi *WriteIterator) processGroup(group *iterator.KeyGroup) []base.InternalKV {
	versions := group.Versions
	var out []base.InternalKV

	i := 0
	for ; i < len(versions); i++ {
		v := versions[i]
		if v.Kind() == base.InternalKeyKindAborted {
			continue
		}
		if v.SeqNum() <= wi.oldestVisibleLSN {
			break
		}
		if !wi.suppressed(v) {
			out = append(out, v)
		}
	}
	if i >= len(versions) {
		return out
	}

	youngest := versions[i]
	switch youngest.Kind() {
	case base.InternalKeyKindSet:
		if !wi.suppressed(youngest) {
			out = append(out, youngest)
		}
		return out
	case base.InternalKeyKindDelete:
		if wi.lastLevel {
			return out
		}
		if !wi.suppressed(youngest) {
			out = append(out, youngest)
		}
		return out
	}

	// UPSERT: consume older LSNs for this key (spec.md §4.6 step 2).
	baseIdx := -1
	for j := i + 1; j < len(versions); j++ {
		if k := versions[j].Kind(); k == base.InternalKeyKindSet || k == base.InternalKeyKindDelete {
			baseIdx = j
			break
		}
	}
	if baseIdx < 0 && !wi.lastLevel {
		// The chain doesn't bottom out here and a lower level might still
		// hold the base: keep every surviving UPSERT untouched so a later
		// compaction can still complete the fold.
		for j := i; j < len(versions); j++ {
			if versions[j].Kind() == base.InternalKeyKindAborted {
				continue
			}
			if !wi.suppressed(versions[j]) {
				out = append(out, versions[j])
			}
		}
		return out
	}

	var result base.InternalKV
	start := len(versions) - 1
	if baseIdx >= 0 {
		if versions[baseIdx].Kind() == base.InternalKeyKindSet {
			result = versions[baseIdx]
		}
		start = baseIdx - 1
	}
	for j := start; j >= i; j-- {
		if versions[j].Kind() != base.InternalKeyKindUpsert {
			continue
		}
		if wi.applyFn != nil {
			result = wi.applyFn(result, versions[j])
		} else {
			result = versions[j]
		}
	}
	result.K = base.InternalKey{UserKey: group.Key, Trailer: base.MakeTrailer(youngest.SeqNum(), base.InternalKeyKindSet)}
	if !wi.suppressed(result) {
		out = append(out, result)
	}
	return out
}
