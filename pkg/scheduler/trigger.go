package scheduler

import (
	"boulder/internal/base"
	"boulder/pkg/index"
	"boulder/pkg/rangetree"
)

// maybeSplit checks spec.md §4.1's split eligibility right after a
// compaction completes (a compaction sets CompactedOnce, as does a split
// on its two children, and a newest run only grows on dump or compaction) and,
// if eligible, hands off a splitTask directly rather than waiting for the
// next heap scan.
func maybeSplit(s *Scheduler, idx *index.Index, r *rangetree.Range) {
	bytes := uint64(r.NewestRunPageCount()) * uint64(s.deps.Cfg.PageSize)
	if r.UnderTask() || !r.NeedsSplit(bytes, s.deps.Cfg.RangeSizeTarget) {
		return
	}
	s.Untrack(r)
	r.MarkUnderTask()
	s.submit(newSplitTask(s, idx, r, r.MemSize()))
}

// maybeCoalesce checks spec.md §4.1's coalesce eligibility right after a
// dump shrinks a range (GC freed sealed mems) and, when the range
// together with its immediate right neighbour would fall under half the
// target size, hands off a coalesceTask.
func maybeCoalesce(s *Scheduler, idx *index.Index, r *rangetree.Range) {
	if r.UnderTask() {
		return
	}
	neighbour := idx.Tree().Walk(r, base.IterGE)
	if neighbour == nil || neighbour.UnderTask() {
		return
	}
	total := uint64(r.NewestRunPageCount()+neighbour.NewestRunPageCount()) * uint64(s.deps.Cfg.PageSize)
	if !rangetree.NeedsCoalesce(total, s.deps.Cfg.RangeSizeTarget) {
		return
	}
	s.Untrack(r)
	s.Untrack(neighbour)
	r.MarkUnderTask()
	neighbour.MarkUnderTask()
	s.submit(newCoalesceTask(s, idx, []*rangetree.Range{r, neighbour}))
}
