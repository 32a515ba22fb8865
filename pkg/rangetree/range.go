// Package rangetree implements the per-index partitioning of the key space
// into disjoint intervals (spec.md §4.1, §3 "Range"): each range owns one
// active mem, zero or more sealed mems, and zero or more on-disk runs.
// Structurally this mirrors `other_examples/4f0e84e7_cci-smoketests-cockroach__storage-range.go.go`'s
// range-descriptor shape (an interval owning its own storage), adapted to
// carry mems/runs instead of CockroachDB's replica set.
package rangetree

import (
	"sync"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/memtable"
	"boulder/pkg/run"
)

// noHeapPos marks a range not currently present in either scheduler heap.
const noHeapPos = -1

// inTaskHeapPos marks a range currently being processed by a scheduler
// task (spec.md §3: "in_dump and in_compact heap positions are
// simultaneously cleared when a range is under task" — modeled here as a
// distinguished sentinel rather than a removed/absent state so a range
// under task is still reachable by id).
const inTaskHeapPos = -2

// Range is one interval [Begin, End) of an index's key space (spec.md
// §3). A nil Begin means -infinity; a nil End means +infinity.
type Range struct {
	mu sync.RWMutex

	ID    uint64
	Begin []byte
	End   []byte

	// Active is the mem new writes land in.
	Active *memtable.Mem
	// Sealed holds sealed mems, most-recent first (spec.md §3).
	Sealed []*memtable.Mem
	// Runs holds on-disk runs, most-recent first (spec.md §3).
	Runs []*run.Run

	// CompactedOnce gates split eligibility (spec.md §4.1: "has been
	// compacted at least once").
	CompactedOnce bool

	// CompactPriority is recomputed after every dump by the scheduler's
	// level-sizing scan (spec.md §4.8).
	CompactPriority int

	// DumpHeapPos / CompactHeapPos are container/heap indices maintained by
	// the scheduler; noHeapPos means absent, inTaskHeapPos means under task
	// (spec.md §3 invariant: "At-most-one scheduler task operates on any
	// range at a time").
	DumpHeapPos    int
	CompactHeapPos int

	// Shadow marks a range removed from the tree by a split but still
	// reachable via a back-pointer from its children so concurrent reads
	// started before the split complete (spec.md §4.1).
	Shadow   bool
	Children [2]*Range
	Parent   *Range

	cmp     compare.Compare
	memSize uint
}

// NewRange constructs a range with a fresh active mem.
func NewRange(id uint64, begin, end []byte, memSize uint, cmp compare.Compare) *Range {
	return &Range{
		ID:             id,
		Begin:          begin,
		End:            end,
		Active:         memtable.New(id, memSize, cmp),
		DumpHeapPos:    noHeapPos,
		CompactHeapPos: noHeapPos,
		cmp:            cmp,
		memSize:        memSize,
	}
}

// Contains reports whether key falls within [Begin, End).
func (r *Range) Contains(key []byte) bool {
	if r.Begin != nil && r.cmp(key, r.Begin) < 0 {
		return false
	}
	if r.End != nil && r.cmp(key, r.End) >= 0 {
		return false
	}
	return true
}

// UnderTask reports whether a scheduler task currently owns this range.
func (r *Range) UnderTask() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.DumpHeapPos == inTaskHeapPos || r.CompactHeapPos == inTaskHeapPos
}

// MarkUnderTask clears both heap positions atomically (spec.md §3
// invariant).
func (r *Range) MarkUnderTask() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DumpHeapPos = inTaskHeapPos
	r.CompactHeapPos = inTaskHeapPos
}

// ClearUnderTask restores both heap positions to "absent", letting the
// scheduler re-push the range onto whichever heap(s) still apply.
func (r *Range) ClearUnderTask() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DumpHeapPos = noHeapPos
	r.CompactHeapPos = noHeapPos
}

// MemMinLSN is the range's mem_min_lsn (spec.md §3 invariant: "mem_min_lsn
// = min(active.min_lsn, sealed[*].min_lsn); this drives dump priority").
func (r *Range) MemMinLSN() base.SeqNum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	min := r.Active.MinLSN()
	for _, m := range r.Sealed {
		if m.MinLSN() < min {
			min = m.MinLSN()
		}
	}
	return min
}

// HasDumpable reports whether any sealed mem has min_lsn <= dumpLSN,
// spec.md §4.8's dump-target predicate.
func (r *Range) HasDumpable(dumpLSN base.SeqNum) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.Sealed {
		if m.MinLSN() <= dumpLSN {
			return true
		}
	}
	return false
}

// Seal freezes the active mem and moves it to the front of Sealed,
// allocating a fresh active mem in its place. If the active mem is empty
// and unpinned, it is freed rather than sealed (spec.md §4.2). newID
// seeds the replacement mem's FIFO id.
func (r *Range) Seal(newID uint64, memSize uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealLocked(newID, memSize)
}

func (r *Range) sealLocked(newID uint64, memSize uint) {
	old := r.Active
	old.Unpin() // release New()'s implicit "active writer" reference
	if old.IsEmpty() && !old.Pinned() {
		r.Active = memtable.New(newID, memSize, r.cmp)
		return
	}
	old.Seal()
	r.Sealed = append([]*memtable.Mem{old}, r.Sealed...)
	r.Active = memtable.New(newID, memSize, r.cmp)
}

// GC drops every dumped sealed mem whose min_lsn <= dumpLSN (spec.md §4.2:
// "Deletion is driven by gc(dump_lsn)"). Mems still pinned, or not yet
// written to a run (they were pinned by an in-flight prepare when the dump
// chose its inputs), are skipped; GC is re-run after the next dump to catch
// them.
func (r *Range) GC(dumpLSN base.SeqNum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.Sealed[:0]
	for _, m := range r.Sealed {
		if m.Dumped() && m.MinLSN() <= dumpLSN && !m.Pinned() {
			continue
		}
		kept = append(kept, m)
	}
	r.Sealed = kept
}

// AddRun inserts a newly produced run at the front of Runs (most-recent
// first, spec.md §3).
func (r *Range) AddRun(rn *run.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Runs = append([]*run.Run{rn}, r.Runs...)
}

// ReplaceRuns atomically swaps a set of compacted-away runs for the single
// run compaction produced (spec.md §4.6's output). Runs not present in
// old are left untouched (a concurrent dump may have added one since the
// compaction task started).
func (r *Range) ReplaceRuns(old []*run.Run, replacement *run.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldSet := make(map[uint64]bool, len(old))
	for _, o := range old {
		oldSet[o.ID] = true
	}
	kept := make([]*run.Run, 0, len(r.Runs)-len(old)+1)
	if replacement != nil {
		kept = append(kept, replacement)
	}
	for _, rn := range r.Runs {
		if !oldSet[rn.ID] {
			kept = append(kept, rn)
		}
	}
	r.Runs = kept
}

// Snapshot returns a consistent read of the range's active mem, sealed
// mems, and runs for building a merge iterator (spec.md §4.4's source
// list).
func (r *Range) Snapshot() (active *memtable.Mem, sealed []*memtable.Mem, runs []*run.Run) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sealed = append([]*memtable.Mem(nil), r.Sealed...)
	runs = append([]*run.Run(nil), r.Runs...)
	return r.Active, sealed, runs
}

// MemSize returns the arena size new mems for this range are created
// with, so a scheduler task building a sibling or child range can match
// it without threading another config value through.
func (r *Range) MemSize() uint { return r.memSize }

// MemBytes returns the bytes currently held across the range's active and
// sealed mems, the per-range footprint the scheduler's watermark timer
// samples (spec.md §4.8: "size of the largest range").
func (r *Range) MemBytes() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := uint64(r.Active.Used())
	for _, m := range r.Sealed {
		total += uint64(m.Used())
	}
	return total
}

// NewestRunPageCount approximates the range's size for split eligibility
// (spec.md §4.1: "newest run exceeds 4/3 of the configured target range
// size"), using the newest run's page count as the proxy vinyl.c's
// vy_range_needs_split uses (confirmed via original_source/, see
// SPEC_FULL.md).
func (r *Range) NewestRunPageCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.Runs) == 0 {
		return 0
	}
	return r.Runs[0].PageCount()
}
