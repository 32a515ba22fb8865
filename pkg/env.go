// Package boulder is the engine's top-level handle (spec.md §3 "Env",
// §6 "Lifecycle"): it owns the configuration, the metadata log and WAL,
// the transaction manager, the background scheduler and squash fiber, and
// the registry of open indexes, and drives the OFFLINE -> ... -> ONLINE
// recovery sequence on Open.
package boulder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/config"
	"boulder/pkg/index"
	"boulder/pkg/metalog"
	"boulder/pkg/rangetree"
	"boulder/pkg/run"
	"boulder/pkg/scheduler"
	"boulder/pkg/stats"
	"boulder/pkg/txn"
	"boulder/pkg/upsert"
	"boulder/pkg/wal"
)

// ErrNotFound is returned by Get when no visible version of a key exists.
var ErrNotFound = errors.New("boulder: not found")

// ErrIndexExists / ErrIndexNotFound report CreateIndex/DropIndex/Index
// naming conflicts.
var (
	ErrIndexExists   = errors.New("boulder: index already exists")
	ErrIndexNotFound = errors.New("boulder: index not found")
)

// State is the engine's position in the recovery state machine spec.md §6
// names: "OFFLINE -> INITIAL_RECOVERY_LOCAL -> INITIAL_RECOVERY_REMOTE ->
// FINAL_RECOVERY_LOCAL -> FINAL_RECOVERY_REMOTE -> ONLINE". The scheduler
// is disabled throughout every state but ONLINE.
type State int32

const (
	StateOffline State = iota
	StateInitialRecoveryLocal
	StateInitialRecoveryRemote
	StateFinalRecoveryLocal
	StateFinalRecoveryRemote
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "OFFLINE"
	case StateInitialRecoveryLocal:
		return "INITIAL_RECOVERY_LOCAL"
	case StateInitialRecoveryRemote:
		return "INITIAL_RECOVERY_REMOTE"
	case StateFinalRecoveryLocal:
		return "FINAL_RECOVERY_LOCAL"
	case StateFinalRecoveryRemote:
		return "FINAL_RECOVERY_REMOTE"
	default:
		return "ONLINE"
	}
}

// Env is the engine's single entry point: one per open database directory
// (spec.md §3, §6).
type Env struct {
	cfg   config.Config
	state atomic.Int32

	instanceID  string
	lockFile    *os.File
	metalogPath string
	metalog     *metalog.Log
	wal         *wal.WAL
	manager     *txn.Manager
	scheduler   *scheduler.Scheduler
	stats       *stats.Stats
	fiber       *upsert.Fiber
	applyFn     txn.UpsertApplyFunc

	mu          sync.RWMutex
	indexes     map[string]*index.Index
	indexesByID map[uint64]*index.Index
	rangeOwner  map[uint64]*index.Index // rangeID -> owning index, for WAL replay routing
	nextIndexID atomic.Uint64
}

// defaultUpsertApply is used when a caller doesn't supply its own
// update-operation executor (spec.md §1 excludes this from the core's
// specification: "the core consumes interfaces but they are not specified
// here"). It replaces the existing value outright, which is enough to
// exercise every UPSERT-chain code path without a real delta format.
func defaultUpsertApply(existing, delta base.InternalKV) base.InternalKV {
	existing.V = delta.V
	existing.ColumnMask = delta.ColumnMask
	return existing
}

// Open brings an engine up against cfg.BasePath, replaying the metadata
// log and WAL in the order spec.md §6 describes, then starts the
// scheduler and the squash fiber and transitions to ONLINE. applyFn may be
// nil to use defaultUpsertApply.
func Open(cfg config.Config, applyFn txn.UpsertApplyFunc) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if applyFn == nil {
		applyFn = defaultUpsertApply
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("env: mkdir base path: %w", err)
	}

	lockFile, err := os.OpenFile(filepath.Join(cfg.BasePath, "db.lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("env: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("env: base path %s is already open by another process: %w", cfg.BasePath, err)
	}

	instanceID := uuid.NewString()
	if err := lockFile.Truncate(0); err == nil {
		_, _ = lockFile.WriteAt([]byte(instanceID+"\n"), 0)
	}

	e := &Env{
		cfg:         cfg,
		instanceID:  instanceID,
		lockFile:    lockFile,
		applyFn:     applyFn,
		indexes:     make(map[string]*index.Index),
		indexesByID: make(map[uint64]*index.Index),
		rangeOwner:  make(map[uint64]*index.Index),
	}
	e.setState(StateOffline)
	e.setState(StateInitialRecoveryLocal)

	e.stats = stats.New(nil)
	e.manager = txn.NewManager(e.stats)

	e.metalogPath = filepath.Join(cfg.BasePath, "meta.log")
	orphans, err := e.recoverMetalog()
	if err != nil {
		return nil, fmt.Errorf("env: recover metalog: %w", err)
	}
	mlog, err := metalog.Open(e.metalogPath)
	if err != nil {
		return nil, fmt.Errorf("env: open metalog: %w", err)
	}
	e.metalog = mlog
	e.sweepOrphanRuns(orphans)

	// No replication stream exists for this engine to consume (spec.md §1's
	// Non-goals exclude remote/replicated recovery sources), so the REMOTE
	// half of each recovery phase is a no-op transition.
	e.setState(StateInitialRecoveryRemote)

	startLSN := e.maxRecoveredLSN() + 1
	if startLSN < base.SeqNumStart {
		startLSN = base.SeqNumStart
	}
	w, err := wal.New(filepath.Join(cfg.BasePath, "wal.log"), startLSN)
	if err != nil {
		return nil, fmt.Errorf("env: open wal: %w", err)
	}
	e.wal = w

	e.setState(StateFinalRecoveryLocal)
	if err := e.replayWAL(); err != nil {
		return nil, fmt.Errorf("env: replay wal: %w", err)
	}
	if err := e.validateTiling(); err != nil {
		return nil, fmt.Errorf("env: recovery inconsistency: %w", err)
	}
	e.setState(StateFinalRecoveryRemote)

	deps := scheduler.Deps{Metalog: e.metalog, Manager: e.manager, Stats: e.stats, ApplyFn: applyFn, Cfg: cfg}
	e.scheduler = scheduler.New(deps, e.currentLSN)

	e.fiber = upsert.NewFiber(e.manager, applyFn, e.wal.NextLSN, e.stats)

	e.mu.Lock()
	for _, idx := range e.indexes {
		idx.SetSquashTrigger(e.fiber.Enqueue)
		e.scheduler.Register(idx)
	}
	e.stats.RangeCount.Add(float64(e.totalRangeCountLocked()))
	e.mu.Unlock()

	e.scheduler.SetDisabled(false)
	e.scheduler.Start()
	go e.fiber.Run()

	e.setState(StateOnline)
	return e, nil
}

func (e *Env) setState(s State) { e.state.Store(int32(s)) }

// State returns the engine's current lifecycle state.
func (e *Env) State() State { return State(e.state.Load()) }

// InstanceID returns the random identifier stamped into the lock file at
// Open, for disambiguating this process's open in logs or stats when
// several engines share one host (spec.md §1's statistics/introspection
// surface is an external collaborator; this gives it something stable to
// tag).
func (e *Env) InstanceID() string { return e.instanceID }

func (e *Env) currentLSN() base.SeqNum { return e.wal.LastLSN() }

func (e *Env) totalRangeCountLocked() int {
	n := 0
	for _, idx := range e.indexes {
		n += len(idx.Tree().Ranges())
	}
	return n
}

// orphanRun names a PREPARE_RUN that never resolved to an INSERT_RUN or
// DELETE_RUN: a crash mid-dump/compaction left its files for sweep
// (spec.md §4.1: "failure leaves an orphan file discoverable for sweep").
type orphanRun struct {
	indexID uint64
	rangeID uint64
	runID   uint64
}

// recoverMetalog replays the metadata log to rebuild every index's range
// tree (ranges, runs) and the registry of open indexes (spec.md §6: "The
// metadata log is replayed first, in order, to reconstruct every index's
// range tree"). It does not touch the scheduler or squash fiber, both of
// which are wired by Open once recovery has produced a full index set.
// The returned orphans are swept (files removed, FORGET_RUN logged) once
// the metadata log is reopened for appending.
func (e *Env) recoverMetalog() ([]orphanRun, error) {
	ranges := make(map[uint64]map[uint64]*rangetree.Range) // indexID -> rangeID -> range
	prepared := make(map[orphanRun]bool)

	err := metalog.Replay(e.metalogPath, func(rec metalog.Record) error {
		switch rec.Kind {
		case metalog.KindCreateIndex:
			keyDef := index.KeyDef{Columns: rec.KeyColumns, PKColumns: rec.PKColumns}
			idx := index.New(rec.IndexID, rec.IndexName, compare.Default, keyDef, rec.IsPrimary, rec.ColumnMask, uint(rangetree.DefaultMemSize), e.cfg.CacheSize)
			idx.SetDir(e.indexDir(rec.IndexID))
			e.indexes[rec.IndexName] = idx
			e.indexesByID[rec.IndexID] = idx
			ranges[rec.IndexID] = make(map[uint64]*rangetree.Range)
			// The initial whole-keyspace range is implicit in CREATE_INDEX
			// (no INSERT_RANGE is logged for it); register it so WAL replay
			// can route statements back into it.
			for _, r := range idx.Tree().Ranges() {
				ranges[rec.IndexID][r.ID] = r
				e.rangeOwner[r.ID] = idx
			}

		case metalog.KindDropIndex:
			if idx, ok := e.indexesByID[rec.IndexID]; ok {
				idx.Drop()
				delete(e.indexes, idx.Name())
				delete(e.indexesByID, rec.IndexID)
			}
			delete(ranges, rec.IndexID)

		case metalog.KindInsertRange:
			idx, ok := e.indexesByID[rec.IndexID]
			if !ok {
				return nil
			}
			idx.Tree().AdvanceIDs(rec.RangeID, 0)
			r := rangetree.NewRange(rec.RangeID, rec.Begin, rec.End, idx.Tree().MemSize(), idx.Compare())
			ranges[rec.IndexID][rec.RangeID] = r
			idx.Tree().Insert(r)
			e.rangeOwner[rec.RangeID] = idx

		case metalog.KindDeleteRange:
			if r, ok := ranges[rec.IndexID][rec.RangeID]; ok {
				if idx, ok := e.indexesByID[rec.IndexID]; ok {
					idx.Tree().Remove(r)
				}
				// A range deleted by a replayed split/coalesce releases the
				// run handles opened under it; the successor range's re-logged
				// INSERT_RUN records reopen the surviving files.
				_, _, runs := r.Snapshot()
				for _, rn := range runs {
					_ = rn.Unref()
				}
				delete(ranges[rec.IndexID], rec.RangeID)
				delete(e.rangeOwner, rec.RangeID)
			}

		case metalog.KindInsertRun, metalog.KindPrepareRun, metalog.KindDeleteRun, metalog.KindForgetRun:
			if idx, ok := e.indexesByID[rec.IndexID]; ok {
				// Even a deleted/forgotten run's id must never be minted again:
				// its files may still be on disk awaiting sweep.
				idx.Tree().AdvanceIDs(0, rec.RunID)
			}
			o := orphanRun{indexID: rec.IndexID, rangeID: rec.RangeID, runID: rec.RunID}
			if rec.Kind == metalog.KindPrepareRun {
				prepared[o] = true
				return nil
			}
			delete(prepared, o)
			// DELETE_RUN brackets a run whose INSERT never landed (a crash or
			// abort mid-dump/compaction); nothing to open for it, or for
			// FORGET_RUN (a run already swept away).
			if rec.Kind != metalog.KindInsertRun || rec.IsEmpty {
				return nil
			}
			idx, ok := e.indexesByID[rec.IndexID]
			r, rok := ranges[rec.IndexID][rec.RangeID]
			if !ok || !rok {
				return nil
			}
			rn, err := run.Open(idx.Dir(), rec.RunID, rec.MinLSN, rec.MaxLSN, 0, idx.Compare())
			if err != nil {
				// The run's files may not have survived the crash that orphaned
				// this record; recovery tolerates the gap rather than failing
				// outright, matching pkg/metalog's tear-tolerant Replay.
				return nil
			}
			r.AddRun(rn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	orphans := make([]orphanRun, 0, len(prepared))
	for o := range prepared {
		orphans = append(orphans, o)
	}
	return orphans, nil
}

// sweepOrphanRuns removes the files of every PREPARE_RUN left unresolved by
// a crash and supersedes the record with FORGET_RUN, so the next recovery
// no longer sees the orphan (spec.md §6; vinyl.c writes FORGET_RUN from
// exactly this sweep).
func (e *Env) sweepOrphanRuns(orphans []orphanRun) {
	for _, o := range orphans {
		dir := e.indexDir(o.indexID)
		_ = run.Remove(dir, o.runID)
		runPath, indexPath := run.Paths(dir, o.runID)
		_ = os.Remove(runPath + ".tmp")
		_ = os.Remove(indexPath + ".tmp")
		_ = e.metalog.Append(metalog.Record{Kind: metalog.KindForgetRun, IndexID: o.indexID, RangeID: o.rangeID, RunID: o.runID})
	}
}

// maxRecoveredLSN returns the highest MaxLSN among every run recovered
// from the metadata log, the WAL replay starting point (spec.md §6:
// "statements whose LSN <= the max LSN of any existing run in the target
// range are treated as already-dumped and skipped").
func (e *Env) maxRecoveredLSN() base.SeqNum {
	var max base.SeqNum
	for _, idx := range e.indexes {
		for _, r := range idx.Tree().Ranges() {
			_, _, runs := r.Snapshot()
			for _, rn := range runs {
				if rn.MaxLSN > max {
					max = rn.MaxLSN
				}
			}
		}
	}
	return max
}

// replayWAL redoes every committed statement the WAL recovered whose LSN
// is newer than its range's newest on-disk run, inserting it straight into
// the owning range's active mem at its original LSN (spec.md §6).
func (e *Env) replayWAL() error {
	ops, err := wal.Replay(filepath.Join(e.cfg.BasePath, "wal.log"))
	if err != nil {
		return err
	}
	var maxLSN base.SeqNum
	for _, op := range ops {
		if op.LSN > maxLSN {
			maxLSN = op.LSN
		}
		idx, ok := e.rangeOwner[op.RangeID]
		if !ok {
			continue
		}
		r, err := idx.Tree().LocateForWrite(op.Key)
		if err != nil {
			continue
		}
		if r.ID != op.RangeID {
			// The logged range still exists but no longer holds this key;
			// the statement is redone in the range that holds it now. An op
			// whose range was deleted by a later split or coalesce never gets
			// here: the rangeOwner lookup above skips it.
		}
		if op.LSN <= e.maxRunLSNFor(r) {
			continue
		}
		kv := base.InternalKV{
			K: base.InternalKey{UserKey: op.Key, Trailer: base.MakeTrailer(op.LSN, op.Kind)},
			V: op.Value,
		}
		if err := r.Active.Set(kv); err != nil {
			return fmt.Errorf("env: replay into range %d: %w", op.RangeID, err)
		}
	}
	// The allocator was seeded from run metadata only; replayed commits may
	// carry higher LSNs that fresh commits must never reuse.
	e.wal.AdvanceTo(maxLSN)
	return nil
}

func (e *Env) maxRunLSNFor(r *rangetree.Range) base.SeqNum {
	_, _, runs := r.Snapshot()
	var max base.SeqNum
	for _, rn := range runs {
		if rn.MaxLSN > max {
			max = rn.MaxLSN
		}
	}
	return max
}

// validateTiling checks spec.md §3's invariant that every index's range
// tree tiles the whole key space with no gaps: "the leftmost has begin =
// -inf, the rightmost has end = +inf", and each range's End equals the
// next range's Begin.
func (e *Env) validateTiling() error {
	for name, idx := range e.indexes {
		rs := idx.Tree().Ranges()
		if len(rs) == 0 {
			return fmt.Errorf("index %q: empty range tree", name)
		}
		if rs[0].Begin != nil {
			return fmt.Errorf("index %q: leftmost range does not begin at -inf", name)
		}
		if rs[len(rs)-1].End != nil {
			return fmt.Errorf("index %q: rightmost range does not end at +inf", name)
		}
		for i := 1; i < len(rs); i++ {
			if idx.Compare()(rs[i-1].End, rs[i].Begin) != 0 {
				return fmt.Errorf("index %q: gap/overlap between range %d and %d", name, rs[i-1].ID, rs[i].ID)
			}
		}
	}
	return nil
}

func (e *Env) indexDir(id uint64) string {
	return filepath.Join(e.cfg.BasePath, strconv.FormatUint(id, 10))
}

// CreateIndex registers a brand-new, empty index (spec.md §4.1's
// CREATE_INDEX): a CREATE_INDEX record is logged, its on-disk directory is
// created, and it is wired into the scheduler and squash fiber before
// being made visible to callers.
func (e *Env) CreateIndex(name string, keyDef index.KeyDef, isPrimary bool, columnMask uint64) (*index.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.indexes[name]; exists {
		return nil, ErrIndexExists
	}

	id := e.nextIndexID.Add(1)
	for e.indexesByID[id] != nil {
		id = e.nextIndexID.Add(1)
	}
	idx := index.New(id, name, compare.Default, keyDef, isPrimary, columnMask, uint(rangetree.DefaultMemSize), e.cfg.CacheSize)

	dir := e.indexDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("env: mkdir index dir: %w", err)
	}
	idx.SetDir(dir)

	rec := metalog.Record{
		Kind: metalog.KindCreateIndex, IndexID: id, IndexName: name,
		IsPrimary: isPrimary, ColumnMask: columnMask,
		KeyColumns: keyDef.Columns, PKColumns: keyDef.PKColumns,
	}
	if err := e.metalog.Append(rec); err != nil {
		return nil, err
	}

	idx.SetSquashTrigger(e.fiber.Enqueue)
	e.indexes[name] = idx
	e.indexesByID[id] = idx
	for _, r := range idx.Tree().Ranges() {
		e.rangeOwner[r.ID] = idx
	}
	e.scheduler.Register(idx)
	e.stats.RangeCount.Inc()
	return idx, nil
}

// DropIndex logs a DROP_INDEX record and sets idx's drop flag. Readers and
// writers already past the drop check may still complete; the index's
// on-disk state is reclaimed once its refcount reaches zero (spec.md §3).
func (e *Env) DropIndex(name string) error {
	e.mu.Lock()
	idx, ok := e.indexes[name]
	if !ok {
		e.mu.Unlock()
		return ErrIndexNotFound
	}
	delete(e.indexes, name)
	delete(e.indexesByID, idx.ID())
	for _, r := range idx.Tree().Ranges() {
		delete(e.rangeOwner, r.ID)
		e.scheduler.Untrack(r)
	}
	e.mu.Unlock()

	idx.Drop()
	return e.metalog.Append(metalog.Record{Kind: metalog.KindDropIndex, IndexID: idx.ID(), IndexName: name})
}

// Index looks up an open index by name.
func (e *Env) Index(name string) (*index.Index, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexes[name]
	return idx, ok
}

// Begin starts a new transaction (spec.md §4.7).
func (e *Env) Begin() *txn.Transaction { return e.manager.Begin(e.applyFn) }

// Write adds kind as a write-set entry for (idx, key) within tx.
func (e *Env) Write(tx *txn.Transaction, idx *index.Index, key, value []byte, kind base.InternalKeyKind) error {
	return tx.Write(idx, key, value, kind, idx.ColumnMask())
}

func (e *Env) indexByID(id uint64) (*index.Index, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexesByID[id]
	return idx, ok
}

// Commit runs tx's prepare/write-ahead-log/commit sequence (spec.md §4.7,
// §6): Manager.Prepare assigns the psn, detects conflicts, and writes
// every entry into its range's active mem; each entry is then logged to
// the WAL under the same psn and range id before a single commit LSN is
// allocated and stamped onto every entry and every dependent read view.
func (e *Env) Commit(tx *txn.Transaction) error {
	writes := tx.Writes()

	// Account the transaction's mem growth before it lands; a writer over
	// the hard memory limit blocks here until a dump drains (spec.md §7
	// "Quota exhausted").
	var quota uint64
	for _, w := range writes {
		quota += uint64(len(w.Key) + len(w.Value))
	}
	e.scheduler.ReserveQuota(quota)

	if err := e.manager.Prepare(tx); err != nil {
		e.scheduler.ReleaseQuota(quota)
		return err
	}
	psn := tx.PSN()

	ranges := make([]*rangetree.Range, len(writes))
	committed := make(map[uint64]bool)
	for i, w := range writes {
		idx, ok := e.indexByID(w.Index.ID())
		if !ok {
			continue
		}
		r, err := idx.Tree().LocateForWrite(w.Key)
		if err != nil {
			return err
		}
		ranges[i] = r
		if err := e.wal.Prepare(r.ID, psn, w.Key, w.Value, w.Kind); err != nil {
			return err
		}
	}

	lsn := e.wal.NextLSN()
	for _, r := range ranges {
		if r == nil || committed[r.ID] {
			continue
		}
		committed[r.ID] = true
		if err := e.wal.CommitAt(r.ID, psn, lsn); err != nil {
			return err
		}
	}
	if err := e.wal.Flush(); err != nil {
		return err
	}

	if err := e.manager.Commit(tx, lsn); err != nil {
		return err
	}
	e.scheduler.Wake()
	return nil
}

// Rollback abandons tx's writes (spec.md §4.7): prepared entries are
// erased from their mems and matching WAL rollback records are logged; an
// unprepared transaction simply discards its write set.
func (e *Env) Rollback(tx *txn.Transaction) error {
	if tx.Prepared() {
		psn := tx.PSN()
		for _, w := range tx.Writes() {
			idx, ok := e.indexByID(w.Index.ID())
			if !ok {
				continue
			}
			r, err := idx.Tree().LocateForWrite(w.Key)
			if err == nil {
				_ = e.wal.Rollback(r.ID, psn)
			}
		}
	}
	return e.manager.Rollback(tx)
}

// readView returns tx's own snapshot if one has been stamped onto it by a
// conflicting writer's prepare, else the engine's shared global view
// (spec.md §4.7: a transaction reads through the global view "unless and
// until" a conflict promotes it to its own).
func (e *Env) readView(tx *txn.Transaction) *txn.ReadView {
	if tx != nil {
		if rv := tx.ReadView(); rv != nil {
			return rv
		}
	}
	return e.manager.GlobalView()
}

// Get returns the visible value for key in idx (spec.md §4.5), within tx
// if non-nil or otherwise under the engine's global view. The returned
// closer pins every source the read touched; the caller must Close it
// once done with value.
func (e *Env) Get(tx *txn.Transaction, idx *index.Index, key []byte) (value []byte, closer io.Closer, err error) {
	if tx != nil {
		if w, ok := tx.WriteEntryFor(idx, key); ok {
			if w.Kind == base.InternalKeyKindDelete {
				return nil, nil, ErrNotFound
			}
			return w.Value, Close(func() {}), nil
		}
	}
	ri, err := index.NewReadIterator(idx, base.IterEQ, key, e.readView(tx), tx, e.applyFn)
	if err != nil {
		return nil, nil, err
	}
	k, v, err := ri.Next()
	if err != nil {
		_ = ri.Close()
		return nil, nil, err
	}
	if tx != nil {
		tx.Read(idx, key, k == nil)
	}
	if k == nil {
		_ = ri.Close()
		return nil, nil, ErrNotFound
	}
	return v, ri, nil
}

// DeleteRange deletes every key in [start, end) of idx (spec.md §3's
// Writer contract). It is not atomic with respect to concurrent writers:
// each key is deleted in its own statement within a single transaction,
// following other_examples' convention that a blind range-delete is a
// convenience built atop point deletes rather than a first-class log
// record (no log-structured host in the retrieved pack implements a
// tombstone-range record either).
func (e *Env) DeleteRange(idx *index.Index, start, end []byte) error {
	tx := e.Begin()
	ri, err := index.NewReadIterator(idx, base.IterGE, start, e.manager.GlobalView(), nil, e.applyFn)
	if err != nil {
		return err
	}
	defer ri.Close()

	cmp := idx.Compare()
	for {
		k, _, err := ri.Next()
		if err != nil {
			return err
		}
		if k == nil {
			break
		}
		if end != nil && cmp(k, end) >= 0 {
			break
		}
		if err := tx.Write(idx, k, nil, base.InternalKeyKindDelete, idx.ColumnMask()); err != nil {
			return err
		}
	}
	return e.Commit(tx)
}

// Checkpoint asks the scheduler to persist every mem whose data is at or
// below the current WAL position and returns that position. The core never
// decides checkpoint cadence (spec.md §1 Non-goals: "It does not decide
// checkpoint cadence (it is told when)"); hosts call this when they do.
func (e *Env) Checkpoint() base.SeqNum {
	lsn := e.wal.LastLSN()
	e.scheduler.RequestCheckpoint(lsn)
	return lsn
}

// Handle returns a Reader/Writer view scoped to one index, matching the
// engine's pre-multi-index Reader/Writer contract for callers that only
// need a single keyspace.
func (e *Env) Handle(idx *index.Index) *Handle { return &Handle{env: e, idx: idx} }

// Handle adapts one index to ReadWriterCloser via auto-committed,
// single-statement transactions.
type Handle struct {
	env *Env
	idx *index.Index
}

var _ ReadWriterCloser = (*Handle)(nil)

// Get implements Reader.
func (h *Handle) Get(key []byte) ([]byte, io.Closer, error) {
	return h.env.Get(nil, h.idx, key)
}

// Set implements Writer.
func (h *Handle) Set(key, value []byte) error {
	tx := h.env.Begin()
	if err := tx.Write(h.idx, key, value, base.InternalKeyKindSet, h.idx.ColumnMask()); err != nil {
		return err
	}
	return h.env.Commit(tx)
}

// Delete implements Writer.
func (h *Handle) Delete(key []byte) error {
	tx := h.env.Begin()
	if err := tx.Write(h.idx, key, nil, base.InternalKeyKindDelete, h.idx.ColumnMask()); err != nil {
		return err
	}
	return h.env.Commit(tx)
}

// DeleteRange implements Writer.
func (h *Handle) DeleteRange(start, end []byte) error {
	return h.env.DeleteRange(h.idx, start, end)
}

// Upsert applies delta against key's existing value via the engine's
// configured UpsertApplyFunc (spec.md §1, §4.9).
func (h *Handle) Upsert(key, delta []byte) error {
	tx := h.env.Begin()
	if err := tx.Write(h.idx, key, delta, base.InternalKeyKindUpsert, h.idx.ColumnMask()); err != nil {
		return err
	}
	return h.env.Commit(tx)
}

// Close is a no-op: a Handle owns no resources of its own beyond the Env
// it was created from.
func (h *Handle) Close() error { return nil }

// Close stops the scheduler and squash fiber and closes the metadata log
// and WAL, aggregating every failure (spec.md §6: "Close blocks until
// every in-flight task has either completed or been cleanly aborted").
func (e *Env) Close() error {
	e.scheduler.Stop()
	e.fiber.Close()

	var errs *multierror.Error
	if err := e.metalog.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close metalog: %w", err))
	}
	if err := e.wal.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close wal: %w", err))
	}
	if err := syscall.Flock(int(e.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := e.lockFile.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close lock file: %w", err))
	}
	return errs.ErrorOrNil()
}
