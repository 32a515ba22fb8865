// Package scheduler implements the engine's background task runner
// (spec.md §4.8): a dump heap and a compact heap over ranges, a fixed
// worker pool executing task bodies off the main thread, exponential
// backoff on failure, and the quota/watermark mechanism of §4.8/§7 that
// blocks writers when the hard memory limit is reached. Shaped on
// `other_examples/e52c04bc_mrsladoje-HundDB__lsm-flush_worker.go.go`'s
// flush-worker-pool-with-ordered-completion-callback pattern, generalized
// here to four task kinds instead of one.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"boulder/internal/base"
	"boulder/pkg/config"
	"boulder/pkg/index"
	"boulder/pkg/metalog"
	"boulder/pkg/rangetree"
	"boulder/pkg/stats"
	"boulder/pkg/txn"
)

// maxBackoff is the throttle cap spec.md §4.8 names ("doubles on
// successive failures up to a 60-second cap").
const maxBackoff = 60 * time.Second

// Deps bundles everything a task needs to build a new run or rewrite the
// range tree, threaded in by the Env that owns the scheduler.
type Deps struct {
	Metalog *metalog.Log
	Manager *txn.Manager
	Stats   *stats.Stats
	ApplyFn txn.UpsertApplyFunc
	Cfg     config.Config
}

// Scheduler owns the two heaps of spec.md §4.8 and a fixed worker pool
// that executes task bodies off the engine's main goroutine.
type Scheduler struct {
	deps Deps

	mu         sync.Mutex
	dump       dumpHeap
	compact    compactHeap
	rangeIndex map[*rangetree.Range]*index.Index
	disabled   bool // true during *_LOCAL recovery states (spec.md §6)

	wake chan struct{}

	toWorkers chan Task
	results   chan taskResult
	workers   sync.WaitGroup

	quit    chan struct{}
	running sync.WaitGroup

	quotaMu            sync.Mutex
	quotaCond          *sync.Cond
	quotaUsed          uint64
	quotaWatermark     uint64
	quotaReservedTotal uint64
	quotaEMA           *quotaEMA
	dumpBW             dumpBandwidth

	checkpointMu      sync.Mutex
	checkpointLSN     base.SeqNum
	checkpointPending bool
	currentLSN        func() base.SeqNum
}

type taskResult struct {
	task Task
	err  error
}

// New constructs a Scheduler. currentLSN lets the quota timer and dump
// trigger read the engine's latest allocated LSN without an import cycle
// back to whatever owns WAL allocation.
func New(deps Deps, currentLSN func() base.SeqNum) *Scheduler {
	s := &Scheduler{
		deps:       deps,
		rangeIndex: make(map[*rangetree.Range]*index.Index),
		disabled:   true, // recovery flips this once the engine is ONLINE (spec.md §6)
		wake:       make(chan struct{}, 1),
		toWorkers:  make(chan Task),
		results:    make(chan taskResult),
		quit:       make(chan struct{}),
		currentLSN: currentLSN,
	}
	s.quotaCond = sync.NewCond(&s.quotaMu)
	s.quotaEMA = newQuotaEMA(defaultQuotaAlpha)
	s.quotaWatermark = deps.Cfg.MemoryLimit
	heap.Init(&s.dump)
	heap.Init(&s.compact)
	return s
}

// Register tracks idx's existing ranges in the scheduler's heaps (called
// once at CREATE_INDEX time and for every range rebuilt during recovery).
func (s *Scheduler) Register(idx *index.Index) {
	for _, r := range idx.Tree().Ranges() {
		s.TrackRange(idx, r)
	}
}

// TrackRange adds a single range to both heaps as appropriate, used by
// Register and by tasks that create new ranges (split, coalesce).
func (s *Scheduler) TrackRange(idx *index.Index, r *rangetree.Range) {
	s.mu.Lock()
	s.rangeIndex[r] = idx
	if r.DumpHeapPos < 0 {
		heap.Push(&s.dump, r)
	}
	r.CompactPriority = recomputeCompactPriority(r, s.deps.Cfg.RunSizeRatio, s.deps.Cfg.RunCountPerLevel)
	if r.CompactPriority > 0 && r.CompactHeapPos < 0 {
		heap.Push(&s.compact, r)
	}
	s.mu.Unlock()
	s.Wake()
}

// Untrack removes r from both heaps and forgets its owning index,
// used when a range is retired by a split or coalesce.
func (s *Scheduler) Untrack(r *rangetree.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.DumpHeapPos >= 0 {
		heap.Remove(&s.dump, r.DumpHeapPos)
	}
	if r.CompactHeapPos >= 0 {
		heap.Remove(&s.compact, r.CompactHeapPos)
	}
	delete(s.rangeIndex, r)
}

// Start launches the worker pool (workerPoolSize ≥ 2, spec.md §4.8: "at
// least two threads must exist so that one remains reserved for dumps
// when compactions saturate the pool") and the scheduler's own
// dispatch/quota-timer loop.
func (s *Scheduler) Start() {
	n := s.deps.Cfg.WorkerPoolSize
	if n < 2 {
		n = 2
	}
	for i := 0; i < n; i++ {
		s.workers.Add(1)
		go s.workerLoop()
	}
	s.running.Add(1)
	go s.mainLoop()
}

// Stop drains in-flight tasks and stops every goroutine. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.quit)
	s.running.Wait()
	s.workers.Wait()
}

// SetDisabled enables/disables task dispatch, matching spec.md §6's
// "during *_LOCAL states the scheduler is disabled".
func (s *Scheduler) SetDisabled(disabled bool) {
	s.mu.Lock()
	s.disabled = disabled
	s.mu.Unlock()
	s.Wake()
}

// RequestCheckpoint records a checkpoint LSN the dump trigger must honor
// (spec.md §4.8: "a checkpoint has been requested and the oldest mem's
// min_lsn <= checkpoint_lsn").
func (s *Scheduler) RequestCheckpoint(lsn base.SeqNum) {
	s.checkpointMu.Lock()
	s.checkpointLSN = lsn
	s.checkpointPending = true
	s.checkpointMu.Unlock()
	s.Wake()
}

// Wake nudges the main loop to re-scan the heaps, e.g. after a new sealed
// mem or run is added to some range.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ReserveQuota accounts delta bytes of mem growth against the quota
// (spec.md §4.8): an allocation that lands above the watermark wakes the
// scheduler so a dump can start draining; one that would cross the hard
// limit blocks the writer until ReleaseQuota makes room.
func (s *Scheduler) ReserveQuota(delta uint64) {
	limit := s.deps.Cfg.MemoryLimit
	s.quotaMu.Lock()
	for limit > 0 && s.quotaUsed+delta > limit {
		if s.deps.Stats != nil {
			s.deps.Stats.QuotaStalls.Inc()
		}
		s.Wake()
		s.quotaCond.Wait()
	}
	s.quotaUsed += delta
	s.quotaReservedTotal += delta
	above := s.quotaWatermark > 0 && s.quotaUsed > s.quotaWatermark
	s.quotaMu.Unlock()
	if above {
		s.Wake()
	}
}

// aboveWatermark reports whether current usage exceeds the soft watermark,
// spec.md §4.8's dump trigger (b).
func (s *Scheduler) aboveWatermark() bool {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	return s.quotaWatermark > 0 && s.quotaUsed > s.quotaWatermark
}

// ReleaseQuota returns delta bytes to the pool, called once a mem is
// dumped and its bytes are reclaimed.
func (s *Scheduler) ReleaseQuota(delta uint64) {
	s.quotaMu.Lock()
	if delta > s.quotaUsed {
		delta = s.quotaUsed
	}
	s.quotaUsed -= delta
	s.quotaMu.Unlock()
	s.quotaCond.Broadcast()
}

func (s *Scheduler) workerLoop() {
	defer s.workers.Done()
	for {
		select {
		case <-s.quit:
			return
		case t := <-s.toWorkers:
			err := t.Execute()
			select {
			case s.results <- taskResult{task: t, err: err}:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *Scheduler) mainLoop() {
	defer s.running.Done()
	interval := s.deps.Cfg.QuotaTimerInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var backoff time.Duration
	var sleepUntil time.Time
	var backoffTimer *time.Timer

	for {
		select {
		case <-s.quit:
			if backoffTimer != nil {
				backoffTimer.Stop()
			}
			return
		case res := <-s.results:
			r := res.task.Range()
			r.ClearUnderTask()
			if res.err != nil {
				res.task.Abort(res.err)
				s.onFailure(res.task, res.err)
				backoff = s.nextBackoff(backoff)
				sleepUntil = time.Now().Add(backoff)
			} else if err := res.task.Complete(); err != nil {
				res.task.Abort(err)
				s.onFailure(res.task, err)
				backoff = s.nextBackoff(backoff)
				sleepUntil = time.Now().Add(backoff)
			} else {
				backoff = 0
				sleepUntil = time.Time{}
			}
			s.Wake()
		case <-ticker.C:
			s.recomputeWatermark()
		case <-s.wake:
			if !sleepUntil.IsZero() && time.Now().Before(sleepUntil) {
				if backoffTimer == nil {
					backoffTimer = time.AfterFunc(time.Until(sleepUntil), s.Wake)
				}
				continue
			}
			sleepUntil = time.Time{}
			if backoffTimer != nil {
				backoffTimer.Stop()
				backoffTimer = nil
			}
			s.dispatchNext()
		}
	}
}

func (s *Scheduler) onFailure(t Task, err error) {
	if s.deps.Stats != nil {
		s.deps.Stats.TaskFailures.WithLabelValues(t.Kind().String()).Inc()
	}
}

func (s *Scheduler) nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		cur = 100 * time.Millisecond
	} else {
		cur *= 2
	}
	if cur > maxBackoff {
		cur = maxBackoff
	}
	return cur
}

// dispatchNext picks at most one dumpable and one compactable range,
// builds their tasks, and hands them to the worker pool without blocking
// the main loop (spec.md §4.8: "At-most-one scheduler task operates on
// any range at a time").
func (s *Scheduler) dispatchNext() {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}

	checkpointLSN, checkpointPending := s.currentCheckpoint()
	dumpLSN := s.currentLSN()
	if checkpointPending && checkpointLSN < dumpLSN {
		dumpLSN = checkpointLSN
	}

	var toRun []Task
	if s.dump.Len() > 0 {
		top := s.dump.ranges[0]
		// Trigger (a): a checkpoint wants everything at or below its LSN
		// persisted. Trigger (b): quota pressure, dump the oldest data.
		// Either way, the sealed-mem rotation at task start makes the active
		// mem's contents dumpable too (spec.md §4.8, §4.2).
		need := top.HasDumpable(dumpLSN)
		if !need && (checkpointPending || s.aboveWatermark()) {
			need = top.MemMinLSN() <= dumpLSN
		}
		if !top.UnderTask() && need {
			idx := s.rangeIndex[top]
			// The range must leave both heaps before its positions are
			// stamped with the under-task sentinel (spec.md §3).
			heap.Remove(&s.dump, top.DumpHeapPos)
			if top.CompactHeapPos >= 0 {
				heap.Remove(&s.compact, top.CompactHeapPos)
			}
			top.MarkUnderTask()
			if t := newDumpTask(s, idx, top, dumpLSN); t != nil {
				toRun = append(toRun, t)
			} else {
				s.repushLocked(top)
			}
		} else if checkpointPending && top.MemMinLSN() > checkpointLSN {
			// Everything at or below the checkpoint LSN is already on disk.
			s.checkpointMu.Lock()
			s.checkpointPending = false
			s.checkpointMu.Unlock()
		}
	}
	if s.compact.Len() > 0 {
		top := s.compact.ranges[0]
		if !top.UnderTask() && top.CompactPriority > 0 {
			idx := s.rangeIndex[top]
			heap.Remove(&s.compact, top.CompactHeapPos)
			if top.DumpHeapPos >= 0 {
				heap.Remove(&s.dump, top.DumpHeapPos)
			}
			top.MarkUnderTask()
			if t := newCompactTask(s, idx, top); t != nil {
				toRun = append(toRun, t)
			} else {
				s.repushLocked(top)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range toRun {
		s.submit(t)
	}
}

// repushLocked restores a range to whichever heaps it belongs in after a
// task constructor declined it (nothing to dump, too few runs). Caller
// holds s.mu; the constructor has already cleared the under-task sentinel.
func (s *Scheduler) repushLocked(r *rangetree.Range) {
	if r.DumpHeapPos < 0 {
		heap.Push(&s.dump, r)
	}
	if r.CompactPriority > 0 && r.CompactHeapPos < 0 {
		heap.Push(&s.compact, r)
	}
}

func (s *Scheduler) currentCheckpoint() (base.SeqNum, bool) {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()
	return s.checkpointLSN, s.checkpointPending
}

// submit hands t to the worker pool from a dedicated goroutine so a
// momentarily saturated pool never blocks the caller -- in particular,
// never blocks mainLoop, which must keep draining s.results to avoid
// deadlocking against a worker trying to post its own result.
func (s *Scheduler) submit(t Task) {
	go func() {
		select {
		case s.toWorkers <- t:
		case <-s.quit:
		}
	}()
}

// requeueRange re-pushes r onto whichever heaps it still belongs in after
// a task completes or aborts against it.
func (s *Scheduler) requeueRange(idx *index.Index, r *rangetree.Range) {
	s.TrackRange(idx, r)
}
