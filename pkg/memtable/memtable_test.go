package memtable

import (
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
)

func TestMemtablePrepareCommit(t *testing.T) {
	m := New(1, directio.BlockSize, compare.Default)

	require.NoError(t, m.Prepare([]byte("a"), []byte("1"), base.InternalKeyKindSet, 1, 0, 0))
	require.NoError(t, m.Commit([]byte("a"), base.InternalKeyKindSet, 1, 10))

	assert.Equal(t, base.SeqNum(10), m.MinLSN())
	assert.Equal(t, base.SeqNum(10), m.MaxLSN())

	it := m.NewIter(nil, nil)
	defer it.Close()
	kv := it.SeekGE([]byte("a"))
	require.NotNil(t, kv)
	assert.Equal(t, base.SeqNum(10), kv.SeqNum())
	assert.Equal(t, base.InternalKeyKindSet, kv.Kind())
	assert.Equal(t, []byte("1"), kv.V)
}

func TestMemtableRollback(t *testing.T) {
	m := New(1, directio.BlockSize, compare.Default)

	require.NoError(t, m.Prepare([]byte("a"), []byte("1"), base.InternalKeyKindSet, 1, 0, 0))
	require.NoError(t, m.Rollback([]byte("a"), base.InternalKeyKindSet, 1))

	it := m.NewIter(nil, nil)
	defer it.Close()
	kv := it.SeekGE([]byte("a"))
	require.NotNil(t, kv)
	assert.Equal(t, base.InternalKeyKindAborted, kv.Kind())
}

func TestMemtableArenaFull(t *testing.T) {
	var err error
	m := New(1, directio.BlockSize, compare.Default)

	for i := 0; i < directio.BlockSize; i++ {
		err = m.Set(base.InternalKV{
			K: base.MakeInternalKey([]byte{byte(i), byte(i >> 8)}, base.SeqNum(i+int(base.SeqNumStart)), base.InternalKeyKindSet),
			V: []byte{1, 0, 1, 0, 1, 0, 1},
		})
		if err != nil {
			break
		}
	}

	assert.ErrorIs(t, err, ErrMemtableFlushed)
	assert.True(t, m.Sealed())
}
