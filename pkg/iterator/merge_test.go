package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/cache"
)

// fakeIter is a minimal slice-backed Iterator for exercising the merge
// iterator in isolation from any real mem or run, sorted ascending by
// (user-key, -lsn) to match spec.md §4.2's mem ordering.
type fakeIter struct {
	items []base.InternalKV
	pos   int
}

func (f *fakeIter) SeekGE(key []byte) *base.InternalKV {
	for i, e := range f.items {
		if compare.Default(e.K.UserKey, key) >= 0 {
			f.pos = i
			return &f.items[i]
		}
	}
	f.pos = len(f.items)
	return nil
}

func (f *fakeIter) SeekLT(key []byte) *base.InternalKV {
	for i := len(f.items) - 1; i >= 0; i-- {
		if compare.Default(f.items[i].K.UserKey, key) < 0 {
			f.pos = i
			return &f.items[i]
		}
	}
	f.pos = -1
	return nil
}

func (f *fakeIter) First() *base.InternalKV {
	if len(f.items) == 0 {
		return nil
	}
	f.pos = 0
	return &f.items[0]
}

func (f *fakeIter) Last() *base.InternalKV {
	if len(f.items) == 0 {
		return nil
	}
	f.pos = len(f.items) - 1
	return &f.items[f.pos]
}

func (f *fakeIter) Next() *base.InternalKV {
	f.pos++
	if f.pos >= len(f.items) {
		return nil
	}
	return &f.items[f.pos]
}

func (f *fakeIter) Prev() *base.InternalKV {
	f.pos--
	if f.pos < 0 {
		return nil
	}
	return &f.items[f.pos]
}

func (f *fakeIter) Close() error { return nil }

func kv(key string, lsn base.SeqNum, kind base.InternalKeyKind, value string) base.InternalKV {
	return base.InternalKV{K: base.MakeInternalKey([]byte(key), lsn, kind), V: []byte(value)}
}

// TestMergeIteratorOrdersAcrossSources checks the direction-minimum walk:
// keys present in only one source still surface in ascending order.
func TestMergeIteratorOrdersAcrossSources(t *testing.T) {
	newer := &fakeIter{items: []base.InternalKV{kv("b", 20, base.InternalKeyKindSet, "new-b")}}
	older := &fakeIter{items: []base.InternalKV{
		kv("a", 10, base.InternalKeyKindSet, "a"),
		kv("c", 10, base.InternalKeyKindSet, "c"),
	}}

	m := NewMergeIterator(compare.Default, true, 1,
		SeekSource(newer, compare.Default, base.IterGE, nil),
		SeekSource(older, compare.Default, base.IterGE, nil))

	var keys []string
	for g := m.NextKeyGroup(); g != nil; g = m.NextKeyGroup() {
		keys = append(keys, string(g.Key))
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

// TestMergeIteratorGroupsVersionsNewestFirst checks that when the same key
// appears in multiple sources, every version is gathered into one KeyGroup
// sorted newest-LSN-first (spec.md §4.3's (user-key, -lsn) ordering),
// regardless of which source is higher priority.
func TestMergeIteratorGroupsVersionsNewestFirst(t *testing.T) {
	newer := &fakeIter{items: []base.InternalKV{kv("a", 20, base.InternalKeyKindSet, "newer")}}
	older := &fakeIter{items: []base.InternalKV{kv("a", 10, base.InternalKeyKindUpsert, "older")}}

	m := NewMergeIterator(compare.Default, true, 1,
		SeekSource(newer, compare.Default, base.IterGE, nil),
		SeekSource(older, compare.Default, base.IterGE, nil))

	g := m.NextKeyGroup()
	require.NotNil(t, g)
	require.Len(t, g.Versions, 2)
	assert.Equal(t, base.SeqNum(20), g.Versions[0].SeqNum())
	assert.Equal(t, base.SeqNum(10), g.Versions[1].SeqNum())

	assert.Nil(t, m.NextKeyGroup())
}

// TestMergeIteratorUniqueOptimization checks spec.md §4.4: once enabled, the
// merge iterator emits only the first key group it finds.
func TestMergeIteratorUniqueOptimization(t *testing.T) {
	src := &fakeIter{items: []base.InternalKV{
		kv("a", 10, base.InternalKeyKindSet, "a"),
		kv("b", 10, base.InternalKeyKindSet, "b"),
	}}

	m := NewMergeIterator(compare.Default, true, 1, SeekSource(src, compare.Default, base.IterGE, []byte("a")))
	m.SetUniqueOptimization(true)

	g := m.NextKeyGroup()
	require.NotNil(t, g)
	assert.Equal(t, "a", string(g.Key))
	assert.Nil(t, m.NextKeyGroup())
}

// TestMergeIteratorEmptySources reports no groups when every source starts
// exhausted.
func TestMergeIteratorEmptySources(t *testing.T) {
	src := &fakeIter{}
	m := NewMergeIterator(compare.Default, true, 1, SeekSource(src, compare.Default, base.IterGE, nil))
	assert.Nil(t, m.NextKeyGroup())
}

// TestMergeIteratorCacheStopSkipsLaterSources drives spec.md §4.4's stop
// protocol end to end: a boundary-marked cache hit is emitted without
// consulting the mem-backed source for that key, and the skipped source is
// restored past it on the following round.
func TestMergeIteratorCacheStopSkipsLaterSources(t *testing.T) {
	c := cache.New(8)
	c.Put([]byte("a"), []byte("va"), 10)
	c.Put([]byte("b"), []byte("vb"), 11)
	c.Link([]byte("a"), []byte("b"))
	c.MarkBoundary([]byte("b"))

	// The cursor source also holds "b", at an older LSN the cache hit must
	// suppress, plus a trailing key only it knows about.
	src := &fakeIter{items: []base.InternalKV{
		kv("a", 10, base.InternalKeyKindSet, "va"),
		kv("b", 5, base.InternalKeyKindSet, "old-b"),
		kv("c", 7, base.InternalKeyKindSet, "vc"),
	}}

	m := NewMergeIterator(compare.Default, true, 1,
		NewCacheSource(c, []byte("a")),
		SeekSource(src, compare.Default, base.IterGE, []byte("a")))

	g := m.NextKeyGroup()
	require.NotNil(t, g)
	assert.Equal(t, "a", string(g.Key))

	g = m.NextKeyGroup()
	require.NotNil(t, g)
	assert.Equal(t, "b", string(g.Key))
	require.Len(t, g.Versions, 1, "the boundary hit answers alone; the cursor source is not consulted")
	assert.Equal(t, base.SeqNum(11), g.Versions[0].SeqNum())
	assert.Equal(t, []byte("vb"), g.Versions[0].V)

	g = m.NextKeyGroup()
	require.NotNil(t, g, "the skipped source is restored past the stop key")
	assert.Equal(t, "c", string(g.Key))

	assert.Nil(t, m.NextKeyGroup())
}
