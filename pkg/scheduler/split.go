package scheduler

import (
	"fmt"

	"boulder/internal/base"
	"boulder/pkg/index"
	"boulder/pkg/iterator"
	"boulder/pkg/metalog"
	"boulder/pkg/rangetree"
	"boulder/pkg/run"
)

// splitTask divides an oversized range into two (spec.md §4.1). It folds
// the parent's full contents -- active and sealed mems plus every run --
// into exactly two new runs in a single write-iterator pass, rather than
// the minimal metadata-only split vinyl.c performs.
type splitTask struct {
	s   *Scheduler
	idx *index.Index
	rng *rangetree.Range

	memSize uint

	left, right             *rangetree.Range
	mid                     []byte
	leftID, rightID         uint64
	leftInfo, rightInfo     run.RunInfo
	leftMin, leftMax        base.SeqNum
	rightMin, rightMax      base.SeqNum
	leftCount, rightCount   int
	leftOpened, rightOpened *run.Run
}

func newSplitTask(s *Scheduler, idx *index.Index, r *rangetree.Range, memSize uint) Task {
	return &splitTask{s: s, idx: idx, rng: r, memSize: memSize}
}

func (t *splitTask) Kind() TaskKind          { return TaskSplit }
func (t *splitTask) Range() *rangetree.Range { return t.rng }

// Execute seals the parent (via Range.Split, which marks it shadow and
// allocates the two child range shells) and writes one run per child from
// the parent's now-frozen contents.
func (t *splitTask) Execute() error {
	tree := t.idx.Tree()
	id1, id2 := tree.NextRangeID(), tree.NextRangeID()
	left, right, err := t.rng.Split(id1, id2, t.memSize)
	if err != nil {
		return fmt.Errorf("split: %w", err)
	}
	if left == nil {
		return nil // refused: midpoint would leave a child empty
	}
	t.left, t.right = left, right
	t.mid = left.End

	active, sealed, runs := t.rng.Snapshot()
	cmp := t.idx.Compare()
	sources := make([]iterator.Source, 0, len(sealed)+len(runs)+1)
	if !active.IsEmpty() {
		sources = append(sources, iterator.SeekSource(active.FlushIter(), cmp, base.IterGE, nil))
	}
	for _, m := range sealed {
		if m.IsEmpty() {
			continue
		}
		sources = append(sources, iterator.SeekSource(m.FlushIter(), cmp, base.IterGE, nil))
	}
	for _, rn := range runs {
		sources = append(sources, iterator.SeekSource(rn.NewIter(nil, nil), cmp, base.IterGE, nil))
	}

	t.leftID = tree.NextRunID()
	t.rightID = tree.NextRunID()
	if err := rangetree.PrepareNewRun(t.s.deps.Metalog, t.idx.ID(), left.ID, t.leftID); err != nil {
		return fmt.Errorf("split: prepare left run: %w", err)
	}
	if err := rangetree.PrepareNewRun(t.s.deps.Metalog, t.idx.ID(), right.ID, t.rightID); err != nil {
		return fmt.Errorf("split: prepare right run: %w", err)
	}

	rowKind := run.RowPrimary
	if !t.idx.IsPrimary {
		rowKind = run.RowSecondary
	}

	lw, err := run.NewWriter(t.idx.Dir(), t.leftID, t.s.deps.Cfg.PageSize)
	if err != nil {
		return fmt.Errorf("split: left writer: %w", err)
	}
	rw, err := run.NewWriter(t.idx.Dir(), t.rightID, t.s.deps.Cfg.PageSize)
	if err != nil {
		return fmt.Errorf("split: right writer: %w", err)
	}

	oldestVisible := t.s.deps.Manager.OldestActiveVLSN()
	wi := index.NewWriteIterator(cmp, true, tree.Version(), oldestVisible, true, t.idx.ColumnMask(), t.s.deps.ApplyFn, sources...)
	defer wi.Close()

	for kv := wi.Next(); kv != nil; kv = wi.Next() {
		if cmp(kv.K.UserKey, t.mid) < 0 {
			if err := lw.Add(*kv, rowKind); err != nil {
				return fmt.Errorf("split: add left row: %w", err)
			}
			t.leftCount++
			t.leftMin, t.leftMax = widen(t.leftMin, t.leftMax, kv.SeqNum())
		} else {
			if err := rw.Add(*kv, rowKind); err != nil {
				return fmt.Errorf("split: add right row: %w", err)
			}
			t.rightCount++
			t.rightMin, t.rightMax = widen(t.rightMin, t.rightMax, kv.SeqNum())
		}
	}

	leftInfo, err := lw.Finish(t.s.deps.Cfg.BloomFPR)
	if err != nil {
		return fmt.Errorf("split: finish left: %w", err)
	}
	rightInfo, err := rw.Finish(t.s.deps.Cfg.BloomFPR)
	if err != nil {
		return fmt.Errorf("split: finish right: %w", err)
	}
	t.leftInfo, t.rightInfo = leftInfo, rightInfo

	if leftInfo.PageCount > 0 {
		if t.leftOpened, err = run.Open(t.idx.Dir(), t.leftID, t.leftMin, t.leftMax, t.leftCount, cmp); err != nil {
			return fmt.Errorf("split: reopen left: %w", err)
		}
	}
	if rightInfo.PageCount > 0 {
		if t.rightOpened, err = run.Open(t.idx.Dir(), t.rightID, t.rightMin, t.rightMax, t.rightCount, cmp); err != nil {
			return fmt.Errorf("split: reopen right: %w", err)
		}
	}
	return nil
}

func widen(min, max, lsn base.SeqNum) (base.SeqNum, base.SeqNum) {
	if min == 0 || lsn < min {
		min = lsn
	}
	if lsn > max {
		max = lsn
	}
	return min, max
}

// Complete installs the two new runs into their children, splices the
// children into the tree in place of the parent, records the split in the
// metadata log, and retires the parent's old runs.
func (t *splitTask) Complete() error {
	if t.left == nil {
		t.s.requeueRange(t.idx, t.rng)
		return nil // refused split, nothing to apply
	}

	// The range records must precede the children's INSERT_RUN records in
	// the metadata log: recovery replays in order and drops a run record
	// whose range hasn't been inserted yet.
	_ = t.s.deps.Metalog.Append(metalog.Record{Kind: metalog.KindDeleteRange, IndexID: t.idx.ID(), RangeID: t.rng.ID})
	_ = t.s.deps.Metalog.Append(metalog.Record{Kind: metalog.KindInsertRange, IndexID: t.idx.ID(), RangeID: t.left.ID, Begin: t.left.Begin, End: t.left.End})
	_ = t.s.deps.Metalog.Append(metalog.Record{Kind: metalog.KindInsertRange, IndexID: t.idx.ID(), RangeID: t.right.ID, Begin: t.right.Begin, End: t.right.End})

	if err := rangetree.CommitNewRun(t.s.deps.Metalog, t.idx.ID(), t.left.ID, t.leftID, t.leftInfo, t.leftMin, t.leftMax, t.leftCount); err != nil {
		return err
	}
	if err := rangetree.CommitNewRun(t.s.deps.Metalog, t.idx.ID(), t.right.ID, t.rightID, t.rightInfo, t.rightMin, t.rightMax, t.rightCount); err != nil {
		return err
	}
	if t.leftOpened != nil {
		t.left.AddRun(t.leftOpened)
	}
	if t.rightOpened != nil {
		t.right.AddRun(t.rightOpened)
	}
	t.left.CompactedOnce = true
	t.right.CompactedOnce = true

	_, _, oldRuns := t.rng.Snapshot()

	tree := t.idx.Tree()
	tree.ApplySplit(t.rng, t.left, t.right)

	t.s.Untrack(t.rng)
	t.s.TrackRange(t.idx, t.left)
	t.s.TrackRange(t.idx, t.right)

	// Release the parent's ownership reference on each superseded run; late
	// readers entering through the shadow pointer hold their own references
	// and keep the open files alive past the unlink.
	for _, rn := range oldRuns {
		dir, id := rn.Dir, rn.ID
		_ = rn.Unref()
		_ = run.Remove(dir, id)
	}
	if t.s.deps.Stats != nil {
		t.s.deps.Stats.Splits.Inc()
	}
	return nil
}

// Abort undoes the parent's shadow state, leaving its mems and runs
// exactly as they were (spec.md §8: a failed split leaves the parent
// intact for retry).
func (t *splitTask) Abort(err error) {
	if t.leftID != 0 {
		_ = rangetree.DiscardNewRun(t.s.deps.Metalog, t.idx.ID(), t.left.ID, t.leftID, t.idx.Dir())
	}
	if t.rightID != 0 {
		_ = rangetree.DiscardNewRun(t.s.deps.Metalog, t.idx.ID(), t.right.ID, t.rightID, t.idx.Dir())
	}
	if t.left != nil {
		t.rng.AbortSplit()
	}
	t.s.requeueRange(t.idx, t.rng)
}
