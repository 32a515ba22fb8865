package txn

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"boulder/internal/base"
)

// State is a transaction's position in the state machine of spec.md §4.7.
type State int32

const (
	StateReady State = iota
	StateCommit
	StateAbort
	stateDone // terminal: destroyed by commit or rollback
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateCommit:
		return "COMMIT"
	case StateAbort:
		return "ABORT"
	default:
		return "DONE"
	}
}

// ErrConflict is returned by Prepare when a transaction has been marked
// ABORT by another transaction's prepare (spec.md §4.7).
var ErrConflict = errors.New("txn: conflict")

// ErrNotReady / ErrNotPrepared report an operation attempted from the
// wrong state.
var (
	ErrNotReady    = errors.New("txn: transaction not in READY state")
	ErrNotPrepared = errors.New("txn: transaction not prepared")
)

// IndexHandle is the subset of pkg/index.Index the transaction manager
// needs: a stable identity for write-set ordering, the per-index read set
// conflict detection scans, and the mem-routing prepare/commit/rollback
// operations of spec.md §4.2. Declared here (rather than importing
// pkg/index) so pkg/index can depend on pkg/txn without a cycle.
type IndexHandle interface {
	ID() uint64
	ReadSet() *ReadSet
	PrepareWrite(key, value []byte, kind base.InternalKeyKind, psn base.SeqNum, upsertCount uint8, columnMask uint64) error
	CommitWrite(key []byte, kind base.InternalKeyKind, psn, lsn base.SeqNum) error
	RollbackWrite(key []byte, kind base.InternalKeyKind, psn base.SeqNum) error
}

// WriteEntry is one entry of a transaction's write set (spec.md §4.7):
// ordered by (index, user-key), subsequent writes to the same key replace
// the entry.
type WriteEntry struct {
	Index       IndexHandle
	Key         []byte
	Kind        base.InternalKeyKind
	Value       []byte
	UpsertCount uint8
	ColumnMask  uint64
}

type writeKey struct {
	index uint64
	key   string
}

// UpsertApplyFunc is the external update-operation executor spec.md §1
// excludes from the core's specification; the transaction manager calls
// it only to squash a same-transaction UPSERT-against-existing-write
// (spec.md §4.7 "Write set").
type UpsertApplyFunc func(existing base.InternalKV, delta base.InternalKV) base.InternalKV

// Transaction carries an ordered log of reads and writes, a write set
// indexed by (index, key), a read view, a psn, and a list of owned
// cursors (spec.md §3 "Transaction").
type Transaction struct {
	mgr   *Manager
	state atomic.Int32

	mu         sync.Mutex
	psn        base.SeqNum
	readView   *ReadView
	writes     []*WriteEntry
	writeIdx   map[writeKey]int
	reads      []recordedRead
	dependents []*ReadView
	cursors    []io.Closer
	upsertFn   UpsertApplyFunc
}

// recordedRead pairs a read-set entry with the set that owns it, so the
// transaction can remove its own entries on prepare/commit/rollback
// without every ReadEntry needing a back-pointer.
type recordedRead struct {
	set   *ReadSet
	entry *ReadEntry
}

func newTransaction(mgr *Manager, upsertFn UpsertApplyFunc) *Transaction {
	tx := &Transaction{mgr: mgr, psn: psnUnprepared, writeIdx: make(map[writeKey]int), upsertFn: upsertFn}
	tx.state.Store(int32(StateReady))
	return tx
}

// psnUnprepared is the "-1" sentinel of spec.md §3 ("a prepare-sequence
// number (psn, -1 until prepared)").
const psnUnprepared base.SeqNum = base.SeqNumMax

// State returns the transaction's current state.
func (tx *Transaction) State() State { return State(tx.state.Load()) }

// PSN returns the transaction's prepare-sequence number, or the
// unprepared sentinel if Prepare has not yet succeeded.
func (tx *Transaction) PSN() base.SeqNum { return tx.psn }

// Prepared reports whether Prepare has assigned this transaction a psn.
func (tx *Transaction) Prepared() bool { return tx.psn != psnUnprepared }

// setState performs a plain store; used internally and by the manager
// when marking a transaction ABORT due to a witnessed conflict.
func (tx *Transaction) setState(s State) { tx.state.Store(int32(s)) }

// casState performs a compare-and-swap transition.
func (tx *Transaction) casState(from, to State) bool {
	return tx.state.CompareAndSwap(int32(from), int32(to))
}

// Savepoint returns a marker usable with RollbackToSavepoint, capturing
// the transaction's write set length at this point (spec.md §8 round-trip
// property: "Calling commit(lsn) after a rollback_to_savepoint(s0)
// observes only writes made before s0").
func (tx *Transaction) Savepoint() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writes)
}

// RollbackToSavepoint discards every write made after sp. Only valid
// before Prepare (the write set is still pending; once prepared, writes
// have already reached a mem and per-key rollback is what
// Manager.Rollback is for).
func (tx *Transaction) RollbackToSavepoint(sp int) error {
	if tx.State() != StateReady {
		return ErrNotReady
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, w := range tx.writes[sp:] {
		delete(tx.writeIdx, writeKey{w.Index.ID(), string(w.Key)})
	}
	tx.writes = tx.writes[:sp]
	return nil
}

// Read records a read against idx for key: a point read (isGap=false) or
// a scan probe that found nothing (isGap=true). Per spec.md §4.7, reads
// are only recorded in the index's read set while the transaction has not
// entered a read view.
func (tx *Transaction) Read(idx IndexHandle, key []byte, isGap bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.readView != nil {
		return
	}
	set := idx.ReadSet()
	e := set.Record(tx, key, isGap)
	tx.reads = append(tx.reads, recordedRead{set: set, entry: e})
}

// WriteEntryFor returns this transaction's own pending write for (idx,
// key), honoring "within one transaction, writes are observed in
// insertion order" (spec.md §5) ahead of any committed state.
func (tx *Transaction) WriteEntryFor(idx IndexHandle, key []byte) (*WriteEntry, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	i, ok := tx.writeIdx[writeKey{idx.ID(), string(key)}]
	if !ok {
		return nil, false
	}
	return tx.writes[i], true
}

// Write adds or replaces a write-set entry for (idx, key). A write of
// UPSERT against an existing REPLACE/DELETE/UPSERT entry in the same
// transaction is squashed locally via upsertFn rather than kept as two
// entries (spec.md §4.7).
func (tx *Transaction) Write(idx IndexHandle, key, value []byte, kind base.InternalKeyKind, columnMask uint64) error {
	// Writes are still accepted after a witnessed conflict moved the
	// transaction to ABORT; the conflict surfaces as an error from the
	// subsequent prepare (spec.md §5: "subsequent operations on it fail
	// with a conflict error" — prepare is where that error is raised).
	if s := tx.State(); s != StateReady && s != StateAbort {
		return ErrNotReady
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	wk := writeKey{idx.ID(), string(key)}
	if i, ok := tx.writeIdx[wk]; ok {
		existing := tx.writes[i]
		if kind == base.InternalKeyKindUpsert && tx.upsertFn != nil {
			merged := tx.upsertFn(
				base.InternalKV{K: base.InternalKey{UserKey: existing.Key}, V: existing.Value, ColumnMask: existing.ColumnMask},
				base.InternalKV{K: base.InternalKey{UserKey: key}, V: value, ColumnMask: columnMask},
			)
			existing.Value = merged.V
			existing.UpsertCount = bumpSaturating(existing.UpsertCount)
			return nil
		}
		existing.Kind = kind
		existing.Value = value
		existing.ColumnMask = columnMask
		if kind != base.InternalKeyKindUpsert {
			existing.UpsertCount = 0
		}
		return nil
	}

	entry := &WriteEntry{Index: idx, Key: append([]byte(nil), key...), Kind: kind, Value: value, ColumnMask: columnMask}
	i := sort.Search(len(tx.writes), func(i int) bool {
		return !lessWrite(tx.writes[i], entry)
	})
	tx.writes = append(tx.writes, nil)
	copy(tx.writes[i+1:], tx.writes[i:])
	tx.writes[i] = entry
	for k, idxv := range tx.writeIdx {
		if idxv >= i {
			tx.writeIdx[k] = idxv + 1
		}
	}
	tx.writeIdx[wk] = i
	return nil
}

func lessWrite(a, b *WriteEntry) bool {
	if a.Index.ID() != b.Index.ID() {
		return a.Index.ID() < b.Index.ID()
	}
	return string(a.Key) < string(b.Key)
}

func bumpSaturating(c uint8) uint8 {
	if c < base.UpsertSaturated {
		return c + 1
	}
	return c
}

// Writes returns the transaction's write set in (index, key) order.
func (tx *Transaction) Writes() []*WriteEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*WriteEntry(nil), tx.writes...)
}

// ReadView returns the transaction's snapshot, or nil if it reads through
// the global view.
func (tx *Transaction) ReadView() *ReadView {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.readView
}

// AddCursor registers a cursor this transaction owns so Close can detach
// it (spec.md §5: "destroying a transaction detaches its cursors").
func (tx *Transaction) AddCursor(c io.Closer) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.cursors = append(tx.cursors, c)
}

// releaseReads removes every read-set entry this transaction registered,
// called once it leaves READY state (committed, rolled back, or promoted
// to a read view by a conflicting writer).
func (tx *Transaction) releaseReads() {
	tx.mu.Lock()
	reads := tx.reads
	tx.reads = nil
	tx.mu.Unlock()
	for _, r := range reads {
		r.set.Remove(r.entry)
	}
}

func (tx *Transaction) detachCursors() {
	tx.mu.Lock()
	cursors := tx.cursors
	tx.cursors = nil
	tx.mu.Unlock()
	for _, c := range cursors {
		_ = c.Close()
	}
}
