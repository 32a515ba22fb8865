package rangetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/run"
)

// TestTreeTiling exercises spec.md §8 invariant 1: a fresh tree tiles the
// whole key space as a single range with -inf/+inf boundaries.
func TestTreeTiling(t *testing.T) {
	tr := New(compare.Default, 1<<16)
	ranges := tr.Ranges()
	require.Len(t, ranges, 1)
	assert.Nil(t, ranges[0].Begin)
	assert.Nil(t, ranges[0].End)
}

// TestTreeLocateForWrite checks that every key in a multi-range tree lands
// in exactly the range whose interval contains it.
func TestTreeLocateForWrite(t *testing.T) {
	tr := New(compare.Default, 1<<16)
	parent := tr.Ranges()[0]

	left := NewRange(tr.NextRangeID(), nil, []byte("m"), tr.MemSize(), compare.Default)
	right := NewRange(tr.NextRangeID(), []byte("m"), nil, tr.MemSize(), compare.Default)
	tr.ApplySplit(parent, left, right)

	r, err := tr.LocateForWrite([]byte("a"))
	require.NoError(t, err)
	assert.Same(t, left, r)

	r, err = tr.LocateForWrite([]byte("z"))
	require.NoError(t, err)
	assert.Same(t, right, r)

	r, err = tr.LocateForWrite([]byte("m"))
	require.NoError(t, err)
	assert.Same(t, right, r, "m is included in [m, +inf)")
}

// TestTreeApplySplitShadowsParent verifies the parent disappears from
// Ranges() once ApplySplit runs, per spec.md §4.1.
func TestTreeApplySplitShadowsParent(t *testing.T) {
	tr := New(compare.Default, 1<<16)
	parent := tr.Ranges()[0]
	parent.Shadow = true // ApplySplit only removes; shadow bit is Range.Split's job
	left := NewRange(tr.NextRangeID(), nil, []byte("m"), tr.MemSize(), compare.Default)
	right := NewRange(tr.NextRangeID(), []byte("m"), nil, tr.MemSize(), compare.Default)

	tr.ApplySplit(parent, left, right)

	ranges := tr.Ranges()
	require.Len(t, ranges, 2)
	for _, r := range ranges {
		assert.NotSame(t, parent, r)
	}
}

// TestTreeApplyCoalesce verifies coalesce replaces its participants with a
// single spanning range (spec.md §4.1).
func TestTreeApplyCoalesce(t *testing.T) {
	tr := New(compare.Default, 1<<16)
	parent := tr.Ranges()[0]
	left := NewRange(tr.NextRangeID(), nil, []byte("m"), tr.MemSize(), compare.Default)
	right := NewRange(tr.NextRangeID(), []byte("m"), nil, tr.MemSize(), compare.Default)
	tr.ApplySplit(parent, left, right)

	merged := Coalesce(tr.NextRangeID(), []*Range{left, right}, tr.MemSize())
	tr.ApplyCoalesce([]*Range{left, right}, merged)

	ranges := tr.Ranges()
	require.Len(t, ranges, 1)
	assert.Nil(t, ranges[0].Begin)
	assert.Nil(t, ranges[0].End)
}

// TestTreeWalkAscending steps across every range boundary in order.
func TestTreeWalkAscending(t *testing.T) {
	tr := New(compare.Default, 1<<16)
	parent := tr.Ranges()[0]
	left := NewRange(tr.NextRangeID(), nil, []byte("m"), tr.MemSize(), compare.Default)
	right := NewRange(tr.NextRangeID(), []byte("m"), nil, tr.MemSize(), compare.Default)
	tr.ApplySplit(parent, left, right)

	r, err := tr.LocateForRead(base.IterGE, []byte("a"))
	require.NoError(t, err)
	assert.Same(t, left, r)

	next := tr.Walk(r, base.IterGE)
	require.NotNil(t, next)
	assert.Same(t, right, next)

	assert.Nil(t, tr.Walk(next, base.IterGE))
}

// TestRangeSplitAtRunMidpoint exercises the split half of scenario S6
// (spec.md §8) below the scheduler: a range splits at its newest run's
// middle-page key, the parent becomes a shadow whose children route
// writes, and AbortSplit restores it intact.
func TestRangeSplitAtRunMidpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := run.NewWriter(dir, 1, 1) // one row per page
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		kv := base.InternalKV{K: base.MakeInternalKey([]byte(k), 5, base.InternalKeyKindSet), V: []byte("v")}
		require.NoError(t, w.Add(kv, run.RowPrimary))
	}
	_, err = w.Finish(0.01)
	require.NoError(t, err)
	rn, err := run.Open(dir, 1, 5, 5, 5, compare.Default)
	require.NoError(t, err)

	r := NewRange(1, nil, nil, 1<<16, compare.Default)
	r.AddRun(rn)
	r.CompactedOnce = true

	left, right, err := r.Split(2, 3, 1<<16)
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, []byte("c"), left.End)
	assert.Equal(t, []byte("c"), right.Begin)
	assert.True(t, r.Shadow)
	assert.Same(t, r, left.Parent)

	tr := New(compare.Default, 1<<16)
	tr.mu.Lock()
	tr.ranges = []*Range{r}
	tr.mu.Unlock()
	routed, err := tr.LocateForWrite([]byte("d"))
	require.NoError(t, err)
	assert.Same(t, right, routed, "writes during a split route to the children")

	r.AbortSplit()
	assert.False(t, r.Shadow)
	routed, err = tr.LocateForWrite([]byte("d"))
	require.NoError(t, err)
	assert.Same(t, r, routed)
}

// TestRangeMemMinLSN checks spec.md §3's mem_min_lsn invariant across the
// active mem and a sealed mem.
func TestRangeMemMinLSN(t *testing.T) {
	r := NewRange(1, nil, nil, 1<<16, compare.Default)
	require.NoError(t, r.Active.Prepare([]byte("a"), []byte("1"), base.InternalKeyKindSet, 1, 0, 0))
	require.NoError(t, r.Active.Commit([]byte("a"), base.InternalKeyKindSet, 1, 5))
	r.Seal(2, 1<<16)
	require.NoError(t, r.Active.Prepare([]byte("b"), []byte("2"), base.InternalKeyKindSet, 1, 0, 0))
	require.NoError(t, r.Active.Commit([]byte("b"), base.InternalKeyKindSet, 1, 9))

	assert.Equal(t, base.SeqNum(5), r.MemMinLSN())
}
