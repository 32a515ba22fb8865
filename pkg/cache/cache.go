// Package cache implements the per-index read-through cache the read
// iterator populates and the merge iterator consults as its second source
// (spec.md §4.4-4.5): each entry holds the squashed REPLACE a global-view
// read produced for one key, chain-linked to the next live key the same
// scan emitted. A hit on a boundary-marked entry raises the merge
// iterator's stop flag so later, more expensive sources are not consulted
// for that key.
package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"boulder/internal/base"
)

// Entry is one cached statement. Next, when non-nil, names the key that
// immediately followed this one in ascending order when the entry was
// recorded (no live key sits between them); Boundary marks the last live
// key of its range. Any committed write can break either assertion for any
// entry, so entries carry the write epoch they were recorded at and Lookup
// rejects ones from before the last commit (the LRU has no ordered view of
// its keys to invalidate by interval instead).
type Entry struct {
	Value    []byte
	LSN      base.SeqNum
	Next     []byte
	Boundary bool

	epoch uint64
}

// Cache is a bounded LRU of key -> Entry per index.
type Cache struct {
	lru   *lru.Cache[string, Entry]
	epoch atomic.Uint64
}

// New creates a Cache holding at most size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		// lru.New only errors for size <= 0, guarded above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Put records the squashed value a global-view read observed for key,
// preserving any current-epoch chain metadata an earlier Put/Link left on
// the same key.
func (c *Cache) Put(key, value []byte, lsn base.SeqNum) {
	k := string(key)
	e := Entry{Value: append([]byte(nil), value...), LSN: lsn, epoch: c.epoch.Load()}
	if old, ok := c.lru.Peek(k); ok && old.epoch == e.epoch {
		e.Next = old.Next
		e.Boundary = old.Boundary
	}
	c.lru.Add(k, e)
}

// Link records that curr was the next live key emitted after prev within
// one range, giving a later scan an adjacency proof it can follow without
// consulting the mems and runs. A prev entry from a stale epoch (or one
// already evicted) is left alone.
func (c *Cache) Link(prev, curr []byte) {
	k := string(prev)
	e, ok := c.lru.Peek(k)
	if !ok || e.epoch != c.epoch.Load() {
		return
	}
	e.Next = append([]byte(nil), curr...)
	c.lru.Add(k, e)
}

// MarkBoundary flags key as the last live key of its range; a cache hit on
// it raises the merge iterator's stop flag (spec.md §4.4).
func (c *Cache) MarkBoundary(key []byte) {
	k := string(key)
	e, ok := c.lru.Peek(k)
	if !ok || e.epoch != c.epoch.Load() {
		return
	}
	e.Boundary = true
	c.lru.Add(k, e)
}

// Lookup returns the entry recorded for key, if it is still from the
// current write epoch.
func (c *Cache) Lookup(key []byte) (Entry, bool) {
	e, ok := c.lru.Get(string(key))
	if !ok {
		return Entry{}, false
	}
	if e.epoch != c.epoch.Load() {
		c.lru.Remove(string(key))
		return Entry{}, false
	}
	return e, true
}

// Follow resolves prev's chain link: the key and entry of the live key
// recorded as immediately following prev. Both ends must still be cached
// and current-epoch for the adjacency proof to hold.
func (c *Cache) Follow(prev []byte) (next []byte, e Entry, ok bool) {
	pe, found := c.Lookup(prev)
	if !found || pe.Next == nil {
		return nil, Entry{}, false
	}
	ne, found := c.Lookup(pe.Next)
	if !found {
		return nil, Entry{}, false
	}
	return pe.Next, ne, true
}

// Invalidate drops any entry for key.
func (c *Cache) Invalidate(key []byte) {
	c.lru.Remove(string(key))
}

// BumpEpoch marks every existing entry stale, called after each committed
// write to the index.
func (c *Cache) BumpEpoch() { c.epoch.Add(1) }

// Len reports the number of entries currently cached.
func (c *Cache) Len() int { return c.lru.Len() }
