package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"boulder/internal/base"
)

func TestWALReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000001.wal")

	w, err := New(path, base.SeqNumStart)
	require.NoError(t, err)

	require.NoError(t, w.Prepare(1, 1, []byte("a"), []byte("1"), base.InternalKeyKindSet))
	lsn, err := w.Commit(1, 1)
	require.NoError(t, err)

	require.NoError(t, w.Prepare(1, 2, []byte("b"), []byte("2"), base.InternalKeyKindSet))
	require.NoError(t, w.Rollback(1, 2))

	require.NoError(t, w.Close())

	ops, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, []byte("a"), ops[0].Key)
	require.Equal(t, lsn, ops[0].LSN)
}

func TestWALReplayManyStatementsOneRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000001.wal")

	w, err := New(path, base.SeqNumStart)
	require.NoError(t, err)

	require.NoError(t, w.Prepare(1, 1, []byte("a"), []byte("1"), base.InternalKeyKindSet))
	require.NoError(t, w.Prepare(1, 1, []byte("b"), []byte("2"), base.InternalKeyKindSet))
	lsn := w.NextLSN()
	require.NoError(t, w.CommitAt(1, 1, lsn))
	require.NoError(t, w.Close())

	ops, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, []byte("a"), ops[0].Key)
	require.Equal(t, []byte("b"), ops[1].Key)
	require.Equal(t, lsn, ops[0].LSN)
	require.Equal(t, lsn, ops[1].LSN)
}

func TestReplayMissingFile(t *testing.T) {
	ops, err := Replay(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	require.Nil(t, ops)
}
