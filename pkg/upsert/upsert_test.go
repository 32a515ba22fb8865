package upsert

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/index"
	"boulder/pkg/stats"
	"boulder/pkg/txn"
)

func sumApply(existing, delta base.InternalKV) base.InternalKV {
	var cur, add int
	if len(existing.V) > 0 {
		cur = int(existing.V[0])
	}
	if len(delta.V) > 0 {
		add = int(delta.V[0])
	}
	return base.InternalKV{K: delta.K, V: []byte{byte(cur + add)}}
}

// TestFiberCollapsesChainOnSaturation is scenario S2's second half (spec.md
// §8): 130 consecutive UPSERTs on the same key produce a REPLACE in the
// mem once the background squash fiber has had a chance to run.
func TestFiberCollapsesChainOnSaturation(t *testing.T) {
	idx := index.New(1, "t", compare.Default, index.KeyDef{Columns: []string{"k"}}, true, 1, 1<<20, 16)
	mgr := txn.NewManager(stats.New(nil))

	var lsnCounter atomic.Uint64
	lsnCounter.Store(uint64(base.SeqNumStart))
	alloc := func() base.SeqNum { return base.SeqNum(lsnCounter.Add(1)) }

	fiber := NewFiber(mgr, sumApply, alloc, stats.New(nil))
	go fiber.Run()
	defer fiber.Close()

	idx.SetSquashTrigger(func(i *index.Index, key []byte) { fiber.Enqueue(i, key) })

	key := []byte("1")
	for i := 0; i < 130; i++ {
		psn := base.SeqNum(i + 1)
		require.NoError(t, idx.PrepareWrite(key, []byte{1}, base.InternalKeyKindUpsert, psn, 0, 0))
		require.NoError(t, idx.CommitWrite(key, base.InternalKeyKindUpsert, psn, base.SeqNumStart+base.SeqNum(i)))
	}

	require.Eventually(t, func() bool {
		r, err := idx.Tree().LocateForWrite(key)
		require.NoError(t, err)
		active, _, _ := r.Snapshot()
		it := active.NewIter(key, nil)
		defer it.Close()
		for kv := it.SeekGE(key); kv != nil; kv = it.Next() {
			if compare.Default(kv.K.UserKey, key) != 0 {
				break
			}
			if kv.Kind() == base.InternalKeyKindSet {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expected a REPLACE to appear after chain saturation")
}
