package scheduler

import (
	"fmt"
	"time"

	"boulder/internal/base"
	"boulder/pkg/index"
	"boulder/pkg/iterator"
	"boulder/pkg/memtable"
	"boulder/pkg/rangetree"
	"boulder/pkg/run"
)

// dumpTask writes a range's sealed mems to a new on-disk run (spec.md
// §4.2, §4.8). Execute does the I/O; Complete installs the run and
// reclaims the dumped mems under the scheduler's own goroutine.
type dumpTask struct {
	s       *Scheduler
	idx     *index.Index
	rng     *rangetree.Range
	dumpLSN base.SeqNum
	sealed  []*memtable.Mem

	runID          uint64
	info           run.RunInfo
	minLSN, maxLSN base.SeqNum
	stmtCount      int
	opened         *run.Run
	bytesFreed     uint64
	execDur        time.Duration
}

func newDumpTask(s *Scheduler, idx *index.Index, r *rangetree.Range, dumpLSN base.SeqNum) Task {
	// Rotation at task start freezes what will be dumped (spec.md §4.2:
	// "Rotation ... happens (a) on every scheduler task start").
	r.Seal(idx.Tree().NextMemID(), r.MemSize())

	_, sealed, _ := r.Snapshot()
	var chosen []*memtable.Mem
	for _, m := range sealed {
		// A pinned mem still has an in-flight prepare whose commit will
		// rewrite its trailer in place; it must not be dumped (spec.md §3).
		if m.MinLSN() <= dumpLSN && !m.Pinned() {
			chosen = append(chosen, m)
		}
	}
	if len(chosen) == 0 {
		r.ClearUnderTask()
		return nil
	}
	for _, m := range chosen {
		m.Pin()
	}
	return &dumpTask{s: s, idx: idx, rng: r, dumpLSN: dumpLSN, sealed: chosen}
}

func (t *dumpTask) Kind() TaskKind          { return TaskDump }
func (t *dumpTask) Range() *rangetree.Range { return t.rng }

// Execute merges the chosen sealed mems (oldest contributes last, spec.md
// §4.4's source ordering) into a freshly written run. It must not touch
// shared range-tree state; only t's own fields and the filesystem.
func (t *dumpTask) Execute() error {
	start := time.Now()
	t.runID = t.idx.Tree().NextRunID()
	if err := rangetree.PrepareNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID); err != nil {
		return fmt.Errorf("dump: prepare run: %w", err)
	}

	cmp := t.idx.Compare()
	sources := make([]iterator.Source, 0, len(t.sealed))
	for _, m := range t.sealed {
		sources = append(sources, iterator.SeekSource(m.FlushIter(), cmp, base.IterGE, nil))
	}

	rowKind := run.RowPrimary
	if !t.idx.IsPrimary {
		rowKind = run.RowSecondary
	}

	w, err := run.NewWriter(t.idx.Dir(), t.runID, t.s.deps.Cfg.PageSize)
	if err != nil {
		return fmt.Errorf("dump: new writer: %w", err)
	}

	// A dump never folds UPSERT chains or drops any statement (spec.md §4.2:
	// "a dump is a pure flush, not a compaction"), so oldestVisibleLSN=0 and
	// lastLevel=false make every WriteIterator fold/suppress rule a no-op
	// except the pass-through branch.
	wi := index.NewWriteIterator(t.idx.Compare(), true, t.idx.Tree().Version(), 0, false, t.idx.ColumnMask(), t.s.deps.ApplyFn, sources...)
	defer wi.Close()

	for kv := wi.Next(); kv != nil; kv = wi.Next() {
		if err := w.Add(*kv, rowKind); err != nil {
			return fmt.Errorf("dump: add row: %w", err)
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
		return fmt.Errorf("dump: finish: %w", err)
	}
	t.info = info

	if info.PageCount > 0 {
		opened, err := run.Open(t.idx.Dir(), t.runID, t.minLSN, t.maxLSN, t.stmtCount, t.idx.Compare())
		if err != nil {
			return fmt.Errorf("dump: reopen run: %w", err)
		}
		t.opened = opened
	}
	t.execDur = time.Since(start)
	return nil
}

// Complete installs the new run, reclaims the dumped mems, and
// re-queues the range (spec.md §4.2: "GC(dump_lsn) runs after the dump
// commits").
func (t *dumpTask) Complete() error {
	if err := rangetree.CommitNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID, t.info, t.minLSN, t.maxLSN, t.stmtCount); err != nil {
		return err
	}
	if t.opened != nil {
		t.rng.AddRun(t.opened)
	}
	for _, m := range t.sealed {
		t.bytesFreed += uint64(m.Used())
		m.MarkDumped()
		m.Unpin()
	}
	t.rng.GC(t.dumpLSN)
	t.s.dumpBW.record(t.bytesFreed, t.execDur)
	t.s.ReleaseQuota(t.bytesFreed)
	if t.s.deps.Stats != nil {
		t.s.deps.Stats.Dumps.Inc()
	}
	t.s.requeueRange(t.idx, t.rng)
	maybeCoalesce(t.s, t.idx, t.rng)
	return nil
}

// Abort discards the prepared run registration and releases the task's
// pins; the sealed mems are left in place so the next dump attempt can
// retry them.
func (t *dumpTask) Abort(err error) {
	for _, m := range t.sealed {
		m.Unpin()
	}
	if t.runID != 0 {
		_ = rangetree.DiscardNewRun(t.s.deps.Metalog, t.idx.ID(), t.rng.ID, t.runID, t.idx.Dir())
	}
	t.s.requeueRange(t.idx, t.rng)
}
