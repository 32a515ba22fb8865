package rangetree

import "fmt"

// NeedsSplit reports whether r's newest run is large enough, and r has
// been compacted at least once, to be eligible for splitting (spec.md
// §4.1: "the range's newest run exceeds 4/3 of the configured target
// range size AND the range has been compacted at least once").
// newestRunBytes is the newest run's approximate size (pageCount *
// pageSize, computed by the caller which knows the configured page size).
func (r *Range) NeedsSplit(newestRunBytes, rangeSizeTarget uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.CompactedOnce || len(r.Runs) == 0 {
		return false
	}
	return newestRunBytes > rangeSizeTarget*4/3
}

// Split divides r into two children at the midpoint of its newest run
// (spec.md §4.1). The parent's active mem is sealed first so any write
// that raced the split is either routed to a child or remains reachable
// via the parent's still-intact sealed-mem FIFO (DESIGN.md's resolution
// of the "failed split" open question). Split refuses (returns nil, nil)
// if the midpoint would leave either child empty (spec.md §8: "A split
// whose midpoint would place one child empty is refused").
func (r *Range) Split(newRangeID1, newRangeID2 uint64, memSize uint) (left, right *Range, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Runs) == 0 {
		return nil, nil, fmt.Errorf("rangetree: cannot split a range with no runs")
	}
	mid := r.Runs[0].MidpointKey()
	if mid == nil {
		return nil, nil, fmt.Errorf("rangetree: newest run has no pages")
	}
	if r.Begin != nil && r.cmp(mid, r.Begin) <= 0 {
		return nil, nil, nil
	}
	if r.End != nil && r.cmp(mid, r.End) >= 0 {
		return nil, nil, nil
	}

	// Seal the active mem before routing anything to children (spec.md
	// §4.1: "the active mem is sealed at split start"). The freshly
	// allocated replacement Active is harmless dead weight -- the range is
	// about to become a shadow and will never accept a write through it --
	// but keeping it (rather than nilling it out) means AbortSplit never
	// has to reconstruct one from scratch.
	r.sealLocked(r.Active.ID(), memSize)

	left = NewRange(newRangeID1, r.Begin, mid, memSize, r.cmp)
	right = NewRange(newRangeID2, mid, r.End, memSize, r.cmp)

	left.Parent = r
	right.Parent = r
	r.Shadow = true
	r.Children = [2]*Range{left, right}

	return left, right, nil
}

// AbortSplit undoes a failed split task: the parent is un-shadowed and
// keeps ownership of its (already sealed) mem FIFO, so no writes are
// lost -- the parent was never actually removed from owning its sealed
// mems, only marked as superseded (DESIGN.md's open-question resolution).
func (r *Range) AbortSplit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Shadow = false
	r.Children = [2]*Range{}
}
