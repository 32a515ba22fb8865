package skiplist

import (
	"sync"

	"boulder/internal/base"
)

// Iterator is an iterator over the skiplist. Use Skiplist.Iter to construct
// one. The current state of the iterator can be cloned by value-copying the
// struct. All iterator methods are safe to call concurrently with writers.
type Iterator struct {
	list  *Skiplist
	nd    *node
	kv    base.InternalKV
	lower []byte
	upper []byte
	close func()
}

var iterPool = sync.Pool{
	New: func() interface{} {
		return &Iterator{}
	},
}

// Close releases the iterator. If the Iterator was constructed with a
// non-nil close callback (typically unpinning the mem that owns the
// backing arena), that callback runs before the iterator is pooled.
func (it *Iterator) Close() error {
	if it.close != nil {
		it.close()
	}
	*it = Iterator{}
	iterPool.Put(it)
	return nil
}

// SeekGE moves the iterator to the first entry whose key is greater than or
// equal to the given user key.
func (it *Iterator) SeekGE(key []byte) *base.InternalKV {
	it.nd = it.seekForBaseSplice(key)
	if it.nd == it.list.tail {
		return nil
	}
	it.decodeKV()
	if it.upper != nil && it.list.cmp(it.upper, it.kv.K.UserKey) <= 0 {
		it.nd = it.list.tail
		return nil
	}
	return &it.kv
}

// SeekLT moves the iterator to the last entry whose key is less than the
// given user key.
func (it *Iterator) SeekLT(key []byte) *base.InternalKV {
	it.nd = it.seekForBaseSplice(key)
	it.nd = it.list.getPrev(it.nd, 0)
	if it.nd == it.list.head {
		return nil
	}
	it.decodeKV()
	if it.lower != nil && it.list.cmp(it.lower, it.kv.K.UserKey) > 0 {
		it.nd = it.list.head
		return nil
	}
	return &it.kv
}

// First moves the iterator to the first entry.
func (it *Iterator) First() *base.InternalKV {
	it.nd = it.list.getNext(it.list.head, 0)
	if it.nd == it.list.tail {
		return nil
	}
	it.decodeKV()
	if it.upper != nil && it.list.cmp(it.upper, it.kv.K.UserKey) <= 0 {
		it.nd = it.list.tail
		return nil
	}
	return &it.kv
}

// Last moves the iterator to the last entry.
func (it *Iterator) Last() *base.InternalKV {
	it.nd = it.list.getPrev(it.list.tail, 0)
	if it.nd == it.list.head {
		return nil
	}
	it.decodeKV()
	if it.lower != nil && it.list.cmp(it.lower, it.kv.K.UserKey) > 0 {
		it.nd = it.list.head
		return nil
	}
	return &it.kv
}

// Next moves the iterator to the next entry.
func (it *Iterator) Next() *base.InternalKV {
	it.nd = it.list.getNext(it.nd, 0)
	if it.nd == it.list.tail {
		return nil
	}
	it.decodeKV()
	if it.upper != nil && it.list.cmp(it.upper, it.kv.K.UserKey) <= 0 {
		it.nd = it.list.tail
		return nil
	}
	return &it.kv
}

// Prev moves the iterator to the previous entry.
func (it *Iterator) Prev() *base.InternalKV {
	it.nd = it.list.getPrev(it.nd, 0)
	if it.nd == it.list.head {
		return nil
	}
	it.decodeKV()
	if it.lower != nil && it.list.cmp(it.lower, it.kv.K.UserKey) > 0 {
		it.nd = it.list.head
		return nil
	}
	return &it.kv
}

func (it *Iterator) decodeKV() {
	it.kv.K.UserKey = it.nd.getKey(it.list.arena)
	it.kv.K.Trailer = it.nd.keyTrailer
	it.kv.V = it.nd.getValueBytes(it.list.arena)
	it.kv.Owner = base.OwnerRegion
}

// seekForBaseSplice walks the base level from the head, returning the first
// node whose key is >= key (or tail if none qualifies).
func (it *Iterator) seekForBaseSplice(key []byte) *node {
	searchKey := base.MakeSearchKey(key)
	prev, next, found := it.list.findSpliceForLevel(searchKey, 0, it.list.head)
	if found {
		return next
	}
	_ = prev
	return next
}

// FlushIterator iterates every entry in the skiplist in key order,
// including every version of every key, for use when draining a mem to a
// run during a dump (spec.md §4.3 dump path reads the mem front-to-back
// exactly once).
type FlushIterator struct {
	Iterator
}

// Next advances the flush iterator. Unlike Iterator.Next, it ignores upper
// bounds since a flush iterator has none.
func (it *FlushIterator) Next() *base.InternalKV {
	it.nd = it.list.getNext(it.nd, 0)
	if it.nd == it.list.tail {
		return nil
	}
	it.decodeKV()
	return &it.kv
}
