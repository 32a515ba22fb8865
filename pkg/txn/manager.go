package txn

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"boulder/internal/base"
	"boulder/pkg/stats"
)

// Manager owns the psn counter, the read-view list, and the registry of
// live transactions (spec.md §4.7). It is the engine's single-threaded
// "main thread" logic (spec.md §5); the xsync.Map registry exists so the
// worker pool's completion callbacks can look a transaction up by pointer
// without taking the manager's own lock (spec.md §5: "must not block the
// worker's post of a completion").
type Manager struct {
	mu  sync.Mutex
	psn base.AtomicSeqNum

	views            readViewList
	globalView       *ReadView
	lastCommittedLSN base.SeqNum

	active *xsync.MapOf[*Transaction, struct{}]
	stats  *stats.Stats
}

// NewManager creates a Manager with the shared global read view
// (vlsn=VLSNGlobal) spec.md §3 describes.
func NewManager(st *stats.Stats) *Manager {
	m := &Manager{
		globalView: newReadView(VLSNGlobal),
		active:     xsync.NewMapOf[*Transaction, struct{}](),
		stats:      st,
	}
	return m
}

// GlobalView returns the engine's shared unisolated read view.
func (m *Manager) GlobalView() *ReadView { return m.globalView }

// Begin creates a new READY transaction. upsertFn is the external
// update-operation executor (spec.md §1) used only to squash
// same-transaction UPSERT writes against an existing entry.
func (m *Manager) Begin(upsertFn UpsertApplyFunc) *Transaction {
	tx := newTransaction(m, upsertFn)
	m.active.Store(tx, struct{}{})
	return tx
}

// ReadView implements tx_manager_read_view() (spec.md §4.7): returns the
// tail of the read-view list if its vlsn already matches the current
// observation point, else appends and returns a fresh one. The
// observation point is simply the last committed LSN here: by the time
// any caller outside an in-flight Prepare can observe it, no prepare is
// pending (spec.md §5's single main-thread model makes Prepare atomic
// with respect to this call).
func (m *Manager) ReadView() *ReadView {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs := m.lastObservationPointLocked()
	if tail := m.views.tail(); tail != nil && tail.VLSN() == obs {
		tail.Ref()
		return tail
	}
	rv := newReadView(obs)
	m.views.append(rv)
	return rv
}

func (m *Manager) lastObservationPointLocked() base.SeqNum {
	// No prepare is pending at this call site (see ReadView), so the
	// observation point is the last committed LSN; an engine with no
	// commits yet observes SeqNumStart-1.
	if m.lastCommittedLSN == 0 {
		return base.SeqNumStart - 1
	}
	return m.lastCommittedLSN
}

func conflictVLSN(psn base.SeqNum) base.SeqNum {
	return base.SeqNumMax - 1 - psn
}

// OldestActiveVLSN returns the lowest vlsn among every still-referenced
// read view, or the last committed LSN if none are outstanding. The
// scheduler's write iterator (spec.md §4.6) must never collapse a
// statement still newer than this value, since some live reader may yet
// need to see it.
func (m *Manager) OldestActiveVLSN() base.SeqNum {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.lastCommittedLSN
	m.views.mu.Lock()
	for _, rv := range m.views.views {
		if rv.refs.Load() <= 0 {
			continue
		}
		if v := rv.VLSN(); v < oldest {
			oldest = v
		}
	}
	m.views.mu.Unlock()
	return oldest
}

// Prepare runs the conflict-detection scan of spec.md §4.7 and, if the
// transaction itself hasn't been aborted by a concurrent conflict, pins
// and writes its tentative entries into each touched index's active mem.
func (m *Manager) Prepare(tx *Transaction) error {
	if tx.State() == StateAbort {
		return ErrConflict
	}
	if tx.State() != StateReady {
		return ErrNotReady
	}

	m.mu.Lock()
	psn := m.psn.Add(1)
	m.mu.Unlock()
	tx.psn = psn

	writes := tx.Writes()
	for _, w := range writes {
		m.detectConflicts(tx, w, psn)
	}

	if tx.State() != StateReady {
		// This transaction was itself aborted by an even earlier witnessed
		// conflict before it got a chance to prepare.
		if m.stats != nil {
			m.stats.TxConflicts.Inc()
		}
		return ErrConflict
	}

	for _, w := range writes {
		if err := w.Index.PrepareWrite(w.Key, w.Value, w.Kind, psn, w.UpsertCount, w.ColumnMask); err != nil {
			return err
		}
	}

	if !tx.casState(StateReady, StateCommit) {
		return ErrConflict
	}
	return nil
}

// detectConflicts scans w.Index's read set from w.Key forward while key
// equality holds and promotes non-skippable readers (spec.md §4.7).
func (m *Manager) detectConflicts(tx *Transaction, w *WriteEntry, psn base.SeqNum) {
	for _, r := range w.Index.ReadSet().ScanFromKey(w.Key) {
		reader := r.Tx
		if reader == tx {
			continue
		}
		if reader.State() != StateReady {
			continue
		}
		if w.Kind == base.InternalKeyKindDelete && r.IsGap {
			continue
		}
		if reader.ReadView() != nil {
			// Already sits in an earlier read view from a prior conflict.
			continue
		}

		rv := newReadView(conflictVLSN(psn))
		reader.mu.Lock()
		reader.readView = rv
		reader.mu.Unlock()
		reader.setState(StateAbort)
		reader.releaseReads()

		tx.mu.Lock()
		tx.dependents = append(tx.dependents, rv)
		tx.mu.Unlock()

		if m.stats != nil {
			m.stats.TxConflicts.Inc()
		}
	}
}

// Commit stamps every write's tentative LSN with lsn, stamps every
// dependent read view (spec.md §4.7: "Subsequent commits by the preparing
// tx will stamp the read view with the actual commit LSN"), and destroys
// the transaction.
func (m *Manager) Commit(tx *Transaction, lsn base.SeqNum) error {
	if !tx.casState(StateCommit, stateDone) {
		return ErrNotPrepared
	}
	for _, w := range tx.Writes() {
		if err := w.Index.CommitWrite(w.Key, w.Kind, tx.psn, lsn); err != nil {
			return err
		}
	}
	for _, rv := range tx.dependents {
		rv.stamp(lsn)
	}

	m.mu.Lock()
	if lsn > m.lastCommittedLSN {
		m.lastCommittedLSN = lsn
	}
	m.mu.Unlock()

	tx.releaseReads()
	tx.detachCursors()
	m.active.Delete(tx)
	if m.stats != nil {
		m.stats.TxCommits.Inc()
	}
	return nil
}

// Rollback erases a prepared transaction's tentative inserts and marks
// every dependent read view aborted (spec.md §4.7 "Abort-on-commit": "If
// a prepared tx is rolled back after prepare ... every reader previously
// promoted to its read view is marked is_aborted").
func (m *Manager) Rollback(tx *Transaction) error {
	// An unprepared transaction (or one already aborted by a witnessed
	// conflict) has written nothing to any mem; it just abandons its write
	// set and leaves the registry.
	if tx.casState(StateReady, stateDone) || tx.casState(StateAbort, stateDone) {
		tx.releaseReads()
		tx.detachCursors()
		m.active.Delete(tx)
		if m.stats != nil {
			m.stats.TxRollbacks.Inc()
		}
		return nil
	}
	if !tx.casState(StateCommit, stateDone) {
		return ErrNotPrepared
	}
	for _, w := range tx.Writes() {
		if err := w.Index.RollbackWrite(w.Key, w.Kind, tx.psn); err != nil {
			return err
		}
	}
	for _, rv := range tx.dependents {
		rv.markAborted()
	}

	tx.releaseReads()
	tx.detachCursors()
	m.active.Delete(tx)
	if m.stats != nil {
		m.stats.TxRollbacks.Inc()
	}
	return nil
}
