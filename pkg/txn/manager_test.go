package txn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/pkg/stats"
)

// fakeIndex is a minimal IndexHandle backed by a plain map, enough to drive
// the manager's prepare/commit/rollback paths in isolation from pkg/index
// and pkg/memtable.
type fakeIndex struct {
	id    uint64
	reads *ReadSet

	mu      sync.Mutex
	pending map[string]base.InternalKV
	data    map[string]base.InternalKV
}

func newFakeIndex(id uint64) *fakeIndex {
	return &fakeIndex{
		id:      id,
		reads:   NewReadSet(stringCompare),
		pending: make(map[string]base.InternalKV),
		data:    make(map[string]base.InternalKV),
	}
}

func stringCompare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

func (f *fakeIndex) ID() uint64        { return f.id }
func (f *fakeIndex) ReadSet() *ReadSet { return f.reads }

func pendingKeyOf(key []byte, psn base.SeqNum) string {
	return fmt.Sprintf("%s|%d", key, psn)
}

func (f *fakeIndex) PrepareWrite(key, value []byte, kind base.InternalKeyKind, psn base.SeqNum, upsertCount uint8, columnMask uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[pendingKeyOf(key, psn)] = base.InternalKV{
		K: base.InternalKey{UserKey: append([]byte(nil), key...), Trailer: base.MakeTrailer(psn, kind)},
		V: value,
	}
	return nil
}

func (f *fakeIndex) CommitWrite(key []byte, kind base.InternalKeyKind, psn, lsn base.SeqNum) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := pendingKeyOf(key, psn)
	kv, ok := f.pending[pk]
	if !ok {
		return ErrNotPrepared
	}
	delete(f.pending, pk)
	kv.K.Trailer = base.MakeTrailer(lsn, kind)
	f.data[string(key)] = kv
	return nil
}

func (f *fakeIndex) RollbackWrite(key []byte, kind base.InternalKeyKind, psn base.SeqNum) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := pendingKeyOf(key, psn)
	if _, ok := f.pending[pk]; !ok {
		return ErrNotPrepared
	}
	delete(f.pending, pk)
	return nil
}

func (f *fakeIndex) get(key []byte) (base.InternalKV, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kv, ok := f.data[string(key)]
	return kv, ok
}

func upsertFn(existing, delta base.InternalKV) base.InternalKV { return delta }

// TestManagerCommitRoundTrip exercises spec.md §4.7's READY->COMMIT->(destroyed)
// path: prepare stamps a tentative LSN, commit rewrites it to the real one.
func TestManagerCommitRoundTrip(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	tx := mgr.Begin(upsertFn)
	require.NoError(t, tx.Write(idx, []byte("a"), []byte("1"), base.InternalKeyKindSet, 0))
	require.NoError(t, mgr.Prepare(tx))
	assert.Equal(t, StateCommit, tx.State())

	require.NoError(t, mgr.Commit(tx, 10))
	kv, ok := idx.get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, base.SeqNum(10), kv.SeqNum())
	assert.Equal(t, []byte("1"), kv.V)
}

// TestManagerRollback exercises the COMMIT->(destroyed) rollback transition:
// a rolled-back write must leave no trace in the index.
func TestManagerRollback(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	tx := mgr.Begin(upsertFn)
	require.NoError(t, tx.Write(idx, []byte("a"), []byte("1"), base.InternalKeyKindSet, 0))
	require.NoError(t, mgr.Prepare(tx))
	require.NoError(t, mgr.Rollback(tx))

	_, ok := idx.get([]byte("a"))
	assert.False(t, ok)
}

// TestManagerRollbackUnprepared checks a transaction abandoned before
// prepare rolls back cleanly without touching any index.
func TestManagerRollbackUnprepared(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	tx := mgr.Begin(upsertFn)
	require.NoError(t, tx.Write(idx, []byte("a"), []byte("1"), base.InternalKeyKindSet, 0))
	require.NoError(t, mgr.Rollback(tx))

	_, ok := idx.get([]byte("a"))
	assert.False(t, ok)
}

// TestManagerConflict is scenario S3 (spec.md §8): tx A reads key 1 and
// finds it absent, tx B inserts and commits, tx A's insert must fail to
// prepare with a conflict.
func TestManagerConflict(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	txA := mgr.Begin(upsertFn)
	txA.Read(idx, []byte("1"), false) // get(1) -> ∅, not a gap scan but a point miss

	txB := mgr.Begin(upsertFn)
	require.NoError(t, txB.Write(idx, []byte("1"), []byte("x"), base.InternalKeyKindSet, 0))
	require.NoError(t, mgr.Prepare(txB))
	require.NoError(t, mgr.Commit(txB, 5))

	require.NoError(t, txA.Write(idx, []byte("1"), []byte("y"), base.InternalKeyKindSet, 0))
	err := mgr.Prepare(txA)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, StateAbort, txA.State())
}

// TestManagerGapNoConflictOnDelete is scenario S4 (spec.md §8): a DELETE
// against a key a reader found absent (is_gap) does not conflict with that
// reader's own later insert.
func TestManagerGapNoConflictOnDelete(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	txA := mgr.Begin(upsertFn)
	txA.Read(idx, []byte("1"), true) // get(1) -> ∅, recorded as a gap

	txB := mgr.Begin(upsertFn)
	require.NoError(t, txB.Write(idx, []byte("1"), nil, base.InternalKeyKindDelete, 0))
	require.NoError(t, mgr.Prepare(txB))
	require.NoError(t, mgr.Commit(txB, 5))

	require.NoError(t, txA.Write(idx, []byte("1"), []byte("y"), base.InternalKeyKindSet, 0))
	require.NoError(t, mgr.Prepare(txA))
	assert.Equal(t, StateCommit, txA.State())
	assert.Nil(t, txA.ReadView(), "unconflicted reader keeps reading the global view")
}

// TestTransactionRollbackToSavepoint exercises the round-trip property of
// spec.md §8: commit after rollback_to_savepoint observes only writes made
// before the savepoint.
func TestTransactionRollbackToSavepoint(t *testing.T) {
	mgr := NewManager(stats.New(nil))
	idx := newFakeIndex(1)

	tx := mgr.Begin(upsertFn)
	require.NoError(t, tx.Write(idx, []byte("a"), []byte("1"), base.InternalKeyKindSet, 0))
	sp := tx.Savepoint()
	require.NoError(t, tx.Write(idx, []byte("b"), []byte("2"), base.InternalKeyKindSet, 0))
	require.NoError(t, tx.RollbackToSavepoint(sp))

	writes := tx.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte("a"), writes[0].Key)

	require.NoError(t, mgr.Prepare(tx))
	require.NoError(t, mgr.Commit(tx, 1))
	_, ok := idx.get([]byte("b"))
	assert.False(t, ok)
	_, ok = idx.get([]byte("a"))
	assert.True(t, ok)
}
