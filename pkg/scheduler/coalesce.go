package scheduler

import (
	"boulder/pkg/index"
	"boulder/pkg/metalog"
	"boulder/pkg/rangetree"
)

// coalesceTask merges two adjacent undersized ranges into one (spec.md
// §4.1). Unlike dump/compact/split it performs no file I/O: the
// participants' existing mems and runs are simply unioned into the new
// range, so Execute only builds the in-memory result and Complete
// applies it to the tree.
type coalesceTask struct {
	s            *Scheduler
	idx          *index.Index
	participants []*rangetree.Range
	result       *rangetree.Range
}

func newCoalesceTask(s *Scheduler, idx *index.Index, participants []*rangetree.Range) Task {
	return &coalesceTask{s: s, idx: idx, participants: participants}
}

func (t *coalesceTask) Kind() TaskKind          { return TaskCoalesce }
func (t *coalesceTask) Range() *rangetree.Range { return t.participants[0] }

func (t *coalesceTask) Execute() error {
	id := t.idx.Tree().NextRangeID()
	t.result = rangetree.Coalesce(id, t.participants, t.participants[0].MemSize())
	return nil
}

// Complete splices the merged range into the tree in place of its
// participants and records the change in the metadata log.
func (t *coalesceTask) Complete() error {
	t.idx.Tree().ApplyCoalesce(t.participants, t.result)

	for _, p := range t.participants {
		_ = t.s.deps.Metalog.Append(metalog.Record{Kind: metalog.KindDeleteRange, IndexID: t.idx.ID(), RangeID: p.ID})
	}
	_ = t.s.deps.Metalog.Append(metalog.Record{Kind: metalog.KindInsertRange, IndexID: t.idx.ID(), RangeID: t.result.ID, Begin: t.result.Begin, End: t.result.End})

	// Re-log every inherited run under the result range: recovery drops a
	// DELETE_RANGE'd range's runs, so without these records the union's
	// on-disk state would vanish on the next replay.
	_, _, runs := t.result.Snapshot()
	for _, rn := range runs {
		_ = t.s.deps.Metalog.Append(metalog.Record{
			Kind: metalog.KindInsertRun, IndexID: t.idx.ID(), RangeID: t.result.ID,
			RunID: rn.ID, MinLSN: rn.MinLSN, MaxLSN: rn.MaxLSN, IsEmpty: rn.Empty(),
		})
	}

	t.result.ClearUnderTask()
	for _, p := range t.participants {
		t.s.Untrack(p)
	}
	t.s.TrackRange(t.idx, t.result)

	if t.s.deps.Stats != nil {
		t.s.deps.Stats.Coalesces.Inc()
	}
	return nil
}

// Abort leaves the participants exactly as Coalesce's best-effort
// metadata-only merge found them; since Execute performs no I/O this path
// is only reached if the tree's own bookkeeping panics, which Coalesce
// does not do.
func (t *coalesceTask) Abort(err error) {
	for _, p := range t.participants {
		p.ClearUnderTask()
		t.s.TrackRange(t.idx, p)
	}
}
