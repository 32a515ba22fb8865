// Package upsert implements the background UPSERT-squash fiber of spec.md
// §4.9: when a write's chain counter reaches 128, a (index, key) request is
// queued; a single goroutine drains the queue, materialises the current
// value under the global read view, folds in any UPSERT that landed in the
// active mem after that read began, and inserts the result as a REPLACE at
// a freshly allocated LSN so the chain never grows without bound.
package upsert

import (
	"sync"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/index"
	"boulder/pkg/memtable"
	"boulder/pkg/stats"
	"boulder/pkg/txn"
)

// Request names one chain to collapse.
type Request struct {
	Index *index.Index
	Key   []byte
}

type reqKey struct {
	indexID uint64
	key     string
}

// LSNAllocator hands the fiber a fresh, final LSN for the collapsed
// REPLACE it inserts (spec.md §4.9: "a newly allocated LSN"). An Env wires
// this to the same counter the WAL assigns commit LSNs from.
type LSNAllocator func() base.SeqNum

// Fiber is the single background drainer spec.md §4.9 describes ("A single
// background fiber drains the queue").
type Fiber struct {
	mgr      *txn.Manager
	applyFn  txn.UpsertApplyFunc
	allocLSN LSNAllocator
	stats    *stats.Stats

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Request
	queued map[reqKey]bool
	closed bool
	done   chan struct{}
}

// NewFiber constructs a Fiber. Call Run in its own goroutine and Close to
// drain and stop it.
func NewFiber(mgr *txn.Manager, applyFn txn.UpsertApplyFunc, allocLSN LSNAllocator, st *stats.Stats) *Fiber {
	f := &Fiber{
		mgr:      mgr,
		applyFn:  applyFn,
		allocLSN: allocLSN,
		stats:    st,
		queued:   make(map[reqKey]bool),
		done:     make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue queues (idx, key) for squashing, de-duplicating a key already
// waiting in the queue (spec.md §4.9: "a request (index, key) is queued").
func (f *Fiber) Enqueue(idx *index.Index, key []byte) {
	rk := reqKey{idx.ID(), string(key)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.queued[rk] {
		return
	}
	f.queued[rk] = true
	f.queue = append(f.queue, Request{Index: idx, Key: append([]byte(nil), key...)})
	f.cond.Signal()
}

// Run drains the queue until Close is called. Meant to run in its own
// goroutine, modeling spec.md §5's single dedicated background fiber.
func (f *Fiber) Run() {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.queue) == 0 && f.closed {
			f.mu.Unlock()
			close(f.done)
			return
		}
		req := f.queue[0]
		f.queue = f.queue[1:]
		delete(f.queued, reqKey{req.Index.ID(), string(req.Key)})
		f.mu.Unlock()

		f.process(req)
	}
}

// Close stops the fiber once its current queue has drained.
func (f *Fiber) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	<-f.done
}

// process implements spec.md §4.9's per-request algorithm. A request that
// fails (its range moved mid-split, its index dropped) is simply dropped:
// the next write to the same key will re-saturate the chain counter and
// re-enqueue it.
func (f *Fiber) process(req Request) {
	r, err := req.Index.Tree().LocateForWrite(req.Key)
	if err != nil {
		return
	}
	cmp := req.Index.Compare()
	active, _, _ := r.Snapshot()

	// Capture the newest committed LSN already in the active mem for this
	// key before reading, so any UPSERT landing concurrently with the read
	// below is caught by the re-scan that follows it rather than silently
	// dropped (spec.md §4.9's "walk ... applying them to the read result").
	knownMaxLSN := newestCommittedLSN(active, cmp, req.Key)

	ri, err := index.NewReadIterator(req.Index, base.IterEQ, req.Key, f.mgr.GlobalView(), nil, f.applyFn)
	if err != nil {
		return
	}
	_, value, err := ri.Next()
	_ = ri.Close()
	if err != nil {
		return
	}
	result := base.InternalKV{V: value}

	for _, v := range newerUpserts(active, cmp, req.Key, knownMaxLSN) {
		result = f.applyFn(result, v)
	}

	lsn := f.allocLSN()
	out := base.InternalKV{
		K: base.InternalKey{UserKey: append([]byte(nil), req.Key...), Trailer: base.MakeTrailer(lsn, base.InternalKeyKindSet)},
		V: result.V,
	}
	if err := active.Set(out); err != nil {
		return
	}
	// The insert bypasses the prepare/commit path, so the index's cache
	// epoch must be advanced here instead of in CommitWrite.
	req.Index.Cache().BumpEpoch()
	if f.stats != nil {
		f.stats.UpsertSquash.Inc()
	}
}

// keyVersions returns every non-aborted version of key currently in m,
// newest LSN first (the mem's native comparator order).
func keyVersions(m *memtable.Mem, cmp compare.Compare, key []byte) []base.InternalKV {
	it := m.NewIter(key, nil)
	defer it.Close()
	var out []base.InternalKV
	for kv := it.SeekGE(key); kv != nil; kv = it.Next() {
		if cmp(kv.K.UserKey, key) != 0 {
			break
		}
		if kv.Kind() == base.InternalKeyKindAborted {
			continue
		}
		out = append(out, *kv)
	}
	return out
}

func newestCommittedLSN(m *memtable.Mem, cmp compare.Compare, key []byte) base.SeqNum {
	var max base.SeqNum
	for _, v := range keyVersions(m, cmp, key) {
		if v.SeqNum() >= base.SentinelFloor {
			continue // still in flight, not yet committed
		}
		if v.SeqNum() > max {
			max = v.SeqNum()
		}
	}
	return max
}

// newerUpserts returns, oldest first, every committed UPSERT at key with an
// LSN strictly greater than afterLSN.
func newerUpserts(m *memtable.Mem, cmp compare.Compare, key []byte, afterLSN base.SeqNum) []base.InternalKV {
	versions := keyVersions(m, cmp, key)
	var out []base.InternalKV
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.SeqNum() >= base.SentinelFloor || v.SeqNum() <= afterLSN {
			continue
		}
		if v.Kind() != base.InternalKeyKindUpsert {
			continue
		}
		out = append(out, v)
	}
	return out
}
