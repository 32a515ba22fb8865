package scheduler

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/rangetree"
)

func rangeWithMinLSN(t *testing.T, id uint64, lsn base.SeqNum) *rangetree.Range {
	t.Helper()
	r := rangetree.NewRange(id, nil, nil, 1<<16, compare.Default)
	require.NoError(t, r.Active.Prepare([]byte("a"), []byte("v"), base.InternalKeyKindSet, 1, 0, 0))
	require.NoError(t, r.Active.Commit([]byte("a"), base.InternalKeyKindSet, 1, lsn))
	return r
}

// TestDumpHeapOrdersByMemMinLSN checks spec.md §4.8: the dump heap orders
// ranges by mem_min_lsn ascending, oldest unpersisted data first.
func TestDumpHeapOrdersByMemMinLSN(t *testing.T) {
	h := &dumpHeap{}
	heap.Init(h)

	r1 := rangeWithMinLSN(t, 1, 30)
	r2 := rangeWithMinLSN(t, 2, 10)
	r3 := rangeWithMinLSN(t, 3, 20)
	heap.Push(h, r1)
	heap.Push(h, r2)
	heap.Push(h, r3)

	first := heap.Pop(h).(*rangetree.Range)
	assert.Same(t, r2, first)
	second := heap.Pop(h).(*rangetree.Range)
	assert.Same(t, r3, second)
	third := heap.Pop(h).(*rangetree.Range)
	assert.Same(t, r1, third)
}

// TestCompactHeapOrdersByPriorityDescending checks spec.md §4.8: the
// compact heap orders by compact_priority descending.
func TestCompactHeapOrdersByPriorityDescending(t *testing.T) {
	h := &compactHeap{}
	heap.Init(h)

	r1 := rangetree.NewRange(1, nil, nil, 1<<16, compare.Default)
	r1.CompactPriority = 2
	r2 := rangetree.NewRange(2, nil, nil, 1<<16, compare.Default)
	r2.CompactPriority = 5
	heap.Push(h, r1)
	heap.Push(h, r2)

	first := heap.Pop(h).(*rangetree.Range)
	assert.Same(t, r2, first)
}

// TestRangeUnderTaskClearsBothHeapPositions exercises spec.md §3's
// invariant: "in_dump and in_compact heap positions are simultaneously
// cleared when a range is under task".
func TestRangeUnderTaskClearsBothHeapPositions(t *testing.T) {
	r := rangetree.NewRange(1, nil, nil, 1<<16, compare.Default)
	r.MarkUnderTask()
	assert.True(t, r.UnderTask())
	r.ClearUnderTask()
	assert.False(t, r.UnderTask())
}
