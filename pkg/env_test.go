package boulder

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/pkg/config"
	"boulder/pkg/index"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.BasePath = filepath.Join(t.TempDir(), "db")
	return cfg
}

func TestEnvOpenCreateIndexGetSet(t *testing.T) {
	cfg := testConfig(t)
	env, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, StateOnline, env.State())

	idx, err := env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}}, true, 0)
	require.NoError(t, err)

	h := env.Handle(idx)
	require.NoError(t, h.Set([]byte("a"), []byte("1")))

	v, closer, err := h.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, closer.Close())

	_, _, err = h.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvCreateIndexDuplicateRejected(t *testing.T) {
	cfg := testConfig(t)
	env, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env.Close()

	_, err = env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}}, true, 0)
	require.NoError(t, err)

	_, err = env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}}, true, 0)
	assert.ErrorIs(t, err, ErrIndexExists)
}

func TestEnvRecoversIndexAndDataAcrossReopen(t *testing.T) {
	cfg := testConfig(t)

	env, err := Open(cfg, nil)
	require.NoError(t, err)

	idx, err := env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}, PKColumns: []string{"pk"}}, true, 0x3)
	require.NoError(t, err)

	h := env.Handle(idx)
	require.NoError(t, h.Set([]byte("a"), []byte("1")))
	require.NoError(t, h.Set([]byte("b"), []byte("2")))
	require.NoError(t, env.Close())

	env2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env2.Close()

	idx2, ok := env2.Index("widgets")
	require.True(t, ok)
	assert.True(t, idx2.IsPrimary)
	assert.Equal(t, uint64(0x3), idx2.ColumnMask())
	assert.Equal(t, []string{"id"}, idx2.UserKeyDef.Columns)
	assert.Equal(t, []string{"pk"}, idx2.UserKeyDef.PKColumns)

	h2 := env2.Handle(idx2)
	v, closer, err := h2.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, closer.Close())

	v, closer, err = h2.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	require.NoError(t, closer.Close())
}

func TestEnvInstanceIDIsUniquePerOpen(t *testing.T) {
	cfg1 := testConfig(t)
	env1, err := Open(cfg1, nil)
	require.NoError(t, err)
	defer env1.Close()

	cfg2 := testConfig(t)
	env2, err := Open(cfg2, nil)
	require.NoError(t, err)
	defer env2.Close()

	assert.NotEmpty(t, env1.InstanceID())
	assert.NotEqual(t, env1.InstanceID(), env2.InstanceID())

	data, err := os.ReadFile(filepath.Join(cfg1.BasePath, "db.lock"))
	require.NoError(t, err)
	assert.Contains(t, string(data), env1.InstanceID())
}

func TestEnvSecondOpenFailsWhileLocked(t *testing.T) {
	cfg := testConfig(t)

	env, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env.Close()

	_, err = Open(cfg, nil)
	assert.Error(t, err)
}

// TestEnvCheckpointDumpsAndReadsBack is scenario S5 (spec.md §8) at small
// scale: a checkpoint forces the committed mem contents into a run and
// every key reads back the same value afterwards.
func TestEnvCheckpointDumpsAndReadsBack(t *testing.T) {
	cfg := testConfig(t)
	env, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env.Close()

	idx, err := env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}}, true, 0)
	require.NoError(t, err)

	h := env.Handle(idx)
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Set(
			[]byte(fmt.Sprintf("key-%03d", i)),
			[]byte(fmt.Sprintf("val-%03d", i)),
		))
	}

	env.Checkpoint()

	require.Eventually(t, func() bool {
		r, err := idx.Tree().LocateForWrite([]byte("key-000"))
		if err != nil {
			return false
		}
		_, _, runs := r.Snapshot()
		return len(runs) > 0
	}, 5*time.Second, 10*time.Millisecond, "expected the checkpoint to produce a run")

	for i := 0; i < 100; i++ {
		v, closer, err := h.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("val-%03d", i)), v)
		require.NoError(t, closer.Close())
	}
}

func TestEnvDeleteRange(t *testing.T) {
	cfg := testConfig(t)
	env, err := Open(cfg, nil)
	require.NoError(t, err)
	defer env.Close()

	idx, err := env.CreateIndex("widgets", index.KeyDef{Columns: []string{"id"}}, true, 0)
	require.NoError(t, err)

	h := env.Handle(idx)
	require.NoError(t, h.Set([]byte("a"), []byte("1")))
	require.NoError(t, h.Set([]byte("b"), []byte("2")))
	require.NoError(t, h.Set([]byte("c"), []byte("3")))

	require.NoError(t, env.DeleteRange(idx, []byte("a"), []byte("c")))

	_, _, err = h.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = h.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)

	v, closer, err := h.Get([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
	require.NoError(t, closer.Close())
}
