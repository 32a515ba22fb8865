package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/txn"
)

func newTestIndex() *Index {
	return New(1, "t", compare.Default, KeyDef{Columns: []string{"k"}}, true, 1, 1<<20, 16)
}

func sumUpsert(existing, delta base.InternalKV) base.InternalKV {
	var cur, add int
	if len(existing.V) > 0 {
		cur = int(existing.V[0])
	}
	if len(delta.V) > 0 {
		add = int(delta.V[0])
	}
	return base.InternalKV{K: delta.K, V: []byte{byte(cur + add)}}
}

func globalView() *txn.ReadView {
	mgr := txn.NewManager(nil)
	return mgr.GlobalView()
}

func put(t *testing.T, idx *Index, key, value []byte, kind base.InternalKeyKind, psn, lsn base.SeqNum) {
	t.Helper()
	require.NoError(t, idx.PrepareWrite(key, value, kind, psn, 0, 0))
	require.NoError(t, idx.CommitWrite(key, kind, psn, lsn))
}

func get(t *testing.T, idx *Index, key []byte) ([]byte, bool) {
	t.Helper()
	ri, err := NewReadIterator(idx, base.IterEQ, key, globalView(), nil, sumUpsert)
	require.NoError(t, err)
	defer ri.Close()
	k, v, err := ri.Next()
	require.NoError(t, err)
	return v, k != nil
}

// TestIndexInsertGetDelete is scenario S1 (spec.md §8).
func TestIndexInsertGetDelete(t *testing.T) {
	idx := newTestIndex()

	put(t, idx, []byte("1"), []byte("a"), base.InternalKeyKindSet, 1, 10)
	put(t, idx, []byte("2"), []byte("b"), base.InternalKeyKindSet, 1, 11)

	v, ok := get(t, idx, []byte("1"))
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	_, ok = get(t, idx, []byte("3"))
	assert.False(t, ok)

	_, ok = get(t, idx, []byte("15"))
	assert.False(t, ok, "a missing key with a live successor must not return the successor")

	put(t, idx, []byte("1"), nil, base.InternalKeyKindDelete, 1, 12)
	_, ok = get(t, idx, []byte("1"))
	assert.False(t, ok)
}

// TestIndexUpsertSquash is scenario S2 (spec.md §8): two UPSERTs on an
// empty key collapse into a single REPLACE-equivalent value under get().
func TestIndexUpsertSquash(t *testing.T) {
	idx := newTestIndex()

	put(t, idx, []byte("1"), []byte{1}, base.InternalKeyKindUpsert, 1, 10)
	put(t, idx, []byte("1"), []byte{2}, base.InternalKeyKindUpsert, 1, 11)

	v, ok := get(t, idx, []byte("1"))
	require.True(t, ok)
	assert.Equal(t, byte(3), v[0])
}

// TestIndexAscendingIteration checks GE iteration yields only live keys in
// order, per S1's "GE iteration from key 0 yields (2, 'b') only".
func TestIndexAscendingIteration(t *testing.T) {
	idx := newTestIndex()
	put(t, idx, []byte("1"), []byte("a"), base.InternalKeyKindSet, 1, 10)
	put(t, idx, []byte("2"), []byte("b"), base.InternalKeyKindSet, 1, 11)
	put(t, idx, []byte("1"), nil, base.InternalKeyKindDelete, 1, 12)

	ri, err := NewReadIterator(idx, base.IterGE, []byte("0"), globalView(), nil, sumUpsert)
	require.NoError(t, err)
	defer ri.Close()

	var keys [][]byte
	for {
		k, _, err := ri.Next()
		require.NoError(t, err)
		if k == nil {
			break
		}
		keys = append(keys, k)
	}
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("2"), keys[0])
}
