package txn

import (
	"sort"
	"sync"
	"unsafe"

	"boulder/internal/compare"
)

// ReadEntry is one entry in an index's read set (spec.md §4.7 "Read
// set"): a read, recording whether it was a point read or a scan probe
// that found nothing.
type ReadEntry struct {
	Key   []byte
	Tx    *Transaction
	IsGap bool
}

// ReadSet is a per-index record of reads, ordered by (key, tx pointer),
// populated only while a transaction has not yet entered a read view
// (spec.md §4.7). Conflict detection on prepare scans it from a write's
// key forward while key equality holds.
type ReadSet struct {
	mu      sync.Mutex
	cmp     compare.Compare
	entries []*ReadEntry
}

// NewReadSet creates an empty read set ordered by cmp.
func NewReadSet(cmp compare.Compare) *ReadSet {
	return &ReadSet{cmp: cmp}
}

func (rs *ReadSet) less(a, b *ReadEntry) bool {
	if c := rs.cmp(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return ptrOf(a.Tx) < ptrOf(b.Tx)
}

// Record adds an entry for a read tx performed against key, keeping the
// set sorted by (key, tx pointer).
func (rs *ReadSet) Record(tx *Transaction, key []byte, isGap bool) *ReadEntry {
	e := &ReadEntry{Key: append([]byte(nil), key...), Tx: tx, IsGap: isGap}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	i := sort.Search(len(rs.entries), func(i int) bool { return !rs.less(rs.entries[i], e) })
	rs.entries = append(rs.entries, nil)
	copy(rs.entries[i+1:], rs.entries[i:])
	rs.entries[i] = e
	return e
}

// Remove drops e from the set, called once its owning transaction enters
// a read view or completes.
func (rs *ReadSet) Remove(e *ReadEntry) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, cur := range rs.entries {
		if cur == e {
			rs.entries = append(rs.entries[:i], rs.entries[i+1:]...)
			return
		}
	}
}

// ScanFromKey returns every entry whose key equals key, the range
// conflict detection scans (spec.md §4.7: "scan the index's read set from
// w.key forward while key equality holds").
func (rs *ReadSet) ScanFromKey(key []byte) []*ReadEntry {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	i := sort.Search(len(rs.entries), func(i int) bool { return rs.cmp(rs.entries[i].Key, key) >= 0 })
	var out []*ReadEntry
	for ; i < len(rs.entries) && rs.cmp(rs.entries[i].Key, key) == 0; i++ {
		out = append(out, rs.entries[i])
	}
	return out
}

func ptrOf(tx *Transaction) uintptr {
	return uintptr(unsafe.Pointer(tx))
}
