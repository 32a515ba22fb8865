package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutLookup(t *testing.T) {
	c := New(4)
	c.Put([]byte("a"), []byte("va"), 10)

	e, ok := c.Lookup([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("va"), e.Value)
	assert.EqualValues(t, 10, e.LSN)
	assert.Nil(t, e.Next)
	assert.False(t, e.Boundary)
}

func TestCacheLookupMiss(t *testing.T) {
	c := New(4)
	_, ok := c.Lookup([]byte("missing"))
	assert.False(t, ok)
}

func TestCacheLinkFollow(t *testing.T) {
	c := New(4)
	c.Put([]byte("a"), []byte("va"), 10)
	c.Put([]byte("b"), []byte("vb"), 11)
	c.Link([]byte("a"), []byte("b"))

	next, e, ok := c.Follow([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("b"), next)
	assert.Equal(t, []byte("vb"), e.Value)

	_, _, ok = c.Follow([]byte("b"))
	assert.False(t, ok, "b has no successor recorded")
}

func TestCacheFollowBrokenByEviction(t *testing.T) {
	c := New(2)
	c.Put([]byte("a"), []byte("va"), 10)
	c.Put([]byte("b"), []byte("vb"), 11)
	c.Link([]byte("a"), []byte("b"))
	c.Put([]byte("c"), []byte("vc"), 12) // evicts the LRU end of the chain

	next, _, ok := c.Follow([]byte("a"))
	if ok {
		// Whichever end survived, a followed link must resolve to a live
		// entry, never a dangling key.
		_, stillThere := c.Lookup(next)
		assert.True(t, stillThere)
	}
	assert.Equal(t, 2, c.Len())
}

func TestCacheInvalidate(t *testing.T) {
	c := New(4)
	c.Put([]byte("a"), []byte("va"), 10)
	c.Invalidate([]byte("a"))

	_, ok := c.Lookup([]byte("a"))
	assert.False(t, ok)
}

func TestCacheMarkBoundary(t *testing.T) {
	c := New(4)
	c.Put([]byte("a"), []byte("va"), 10)
	c.MarkBoundary([]byte("a"))

	e, ok := c.Lookup([]byte("a"))
	require.True(t, ok)
	assert.True(t, e.Boundary)
}

func TestCacheEpochInvalidatesAllEntries(t *testing.T) {
	c := New(4)
	c.Put([]byte("a"), []byte("va"), 10)
	c.Put([]byte("b"), []byte("vb"), 11)
	c.Link([]byte("a"), []byte("b"))

	c.BumpEpoch()

	_, ok := c.Lookup([]byte("a"))
	assert.False(t, ok, "a committed write makes every prior entry stale")
	_, _, ok = c.Follow([]byte("a"))
	assert.False(t, ok)
}
