package scheduler

import (
	"fmt"

	"boulder/internal/base"
	"boulder/pkg/index"
	"boulder/pkg/iterator"
	"boulder/pkg/rangetree"
	"boulder/pkg/run"
)

// compactTask merges every run currently held by a range into a single
// replacement run (spec.md §4.6). Merging all runs at once trivially
// satisfies the invariant that "compacting a lower level always includes
// every younger level above it", at the cost of the finer-grained
// level-local merges vinyl.c performs.
type compactTask struct {
	s   *Scheduler
	idx *index.Index
	rng *rangetree.Range

	oldRuns        []*run.Run
	runID          uint64
	info           run.RunInfo
	minLSN, maxLSN base.SeqNum
	stmtCount      int
	opened         *run.Run
}

func newCompactTask(s *Scheduler, idx *index.Index, r *rangetree.Range) Task {
	_, _, runs := r.Snapshot()
	if len(runs) < 2 {
		r.ClearUnderTask()
		return nil
	}
	return &compactTask{s: s, idx: idx, rng: r, oldRuns: runs}
}

func (t *compactTask) Kind() TaskKind          { return TaskCompact }
func (t *compactTask) Range() *rangetree.Range { return t.rng }

func (t *compactTask) Execute() error {
	t.runID = t.idx.Tree().NextRunID()
	if err := rangetree.PrepareNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID); err != nil {
		return fmt.Errorf("compact: prepare run: %w", err)
	}

	// No extra references are taken on the input runs here: the range still
	// owns them (at-most-one task per range means nothing else can replace
	// them mid-compaction), and each NewIter pins its run for the scan.
	cmp := t.idx.Compare()
	sources := make([]iterator.Source, 0, len(t.oldRuns))
	for _, rn := range t.oldRuns {
		sources = append(sources, iterator.SeekSource(rn.NewIter(nil, nil), cmp, base.IterGE, nil))
	}

	rowKind := run.RowPrimary
	if !t.idx.IsPrimary {
		rowKind = run.RowSecondary
	}

	w, err := run.NewWriter(t.idx.Dir(), t.runID, t.s.deps.Cfg.PageSize)
	if err != nil {
		return fmt.Errorf("compact: new writer: %w", err)
	}

	oldestVisible := t.s.deps.Manager.OldestActiveVLSN()
	wi := index.NewWriteIterator(cmp, true, t.idx.Tree().Version(), oldestVisible, true, t.idx.ColumnMask(), t.s.deps.ApplyFn, sources...)
	defer wi.Close()

	for kv := wi.Next(); kv != nil; kv = wi.Next() {
		if err := w.Add(*kv, rowKind); err != nil {
			return fmt.Errorf("compact: add row: %w", err)
		}
		t.stmtCount++
		if t.minLSN == 0 || kv.SeqNum() < t.minLSN {
			t.minLSN = kv.SeqNum()
		}
		if kv.SeqNum() > t.maxLSN {
			t.maxLSN = kv.SeqNum()
		}
	}

	info, err := w.Finish(t.s.deps.Cfg.BloomFPR)
	if err != nil {
		return fmt.Errorf("compact: finish: %w", err)
	}
	t.info = info

	if info.PageCount > 0 {
		opened, err := run.Open(t.idx.Dir(), t.runID, t.minLSN, t.maxLSN, t.stmtCount, cmp)
		if err != nil {
			return fmt.Errorf("compact: reopen run: %w", err)
		}
		t.opened = opened
	}
	return nil
}

// Complete swaps the merged runs for the new one, marks the range
// compacted (unlocking split eligibility, spec.md §4.1), and retires the
// superseded run files once every reader has released them.
func (t *compactTask) Complete() error {
	if err := rangetree.CommitNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID, t.info, t.minLSN, t.maxLSN, t.stmtCount); err != nil {
		return err
	}
	t.rng.ReplaceRuns(t.oldRuns, t.opened)
	t.rng.CompactedOnce = true

	// Release the range's ownership reference on each superseded run; late
	// readers still hold their own references and keep the open file alive
	// past the unlink until their scans finish.
	for _, rn := range t.oldRuns {
		dir, id := rn.Dir, rn.ID
		_ = rn.Unref()
		_ = run.Remove(dir, id)
	}
	if t.s.deps.Stats != nil {
		t.s.deps.Stats.Compactions.Inc()
	}
	t.s.requeueRange(t.idx, t.rng)
	maybeSplit(t.s, t.idx, t.rng)
	return nil
}

// Abort discards the prepared run; the input runs are left untouched (the
// range still owns them) for a retry.
func (t *compactTask) Abort(err error) {
	if t.runID != 0 {
		_ = rangetree.DiscardNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID, t.idx.Dir())
	}
	t.s.requeueRange(t.idx, t.rng)
}
