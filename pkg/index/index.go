// Package index implements the named ordered key-value store of spec.md §3
// ("Index"): a range tree, a read-through cache, a per-index read set, and
// the column-mask/key-definition bookkeeping that lets secondary indexes
// disambiguate duplicate user keys with primary-key columns. It implements
// pkg/txn.IndexHandle so the transaction manager can route prepare/commit/
// rollback without importing this package.
package index

import (
	"errors"
	"sync"
	"sync/atomic"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/cache"
	"boulder/pkg/memtable"
	"boulder/pkg/rangetree"
	"boulder/pkg/txn"
)

// ErrDropped is returned by operations against an index whose drop flag
// (spec.md §3) has been set.
var ErrDropped = errors.New("index: dropped")

// ErrNotPrepared is returned by CommitWrite/RollbackWrite for a (key, psn)
// pair with no matching PrepareWrite still pending.
var ErrNotPrepared = errors.New("index: write not prepared")

// KeyDef names the ordered columns participating in a key. PKColumns holds
// the primary-key columns a secondary index's user definition omits
// (spec.md §3: "two definitions are kept for secondary indexes: the user's
// key definition and an internal key definition extended with primary-key
// columns to disambiguate duplicates").
type KeyDef struct {
	Columns   []string
	PKColumns []string
}

// InternalKeyDef returns the key definition used to disambiguate duplicate
// user keys: the user columns with the primary-key columns appended. For a
// primary index (no PKColumns) it is identical to the user definition.
func (kd KeyDef) InternalKeyDef() KeyDef {
	if len(kd.PKColumns) == 0 {
		return kd
	}
	merged := make([]string, 0, len(kd.Columns)+len(kd.PKColumns))
	merged = append(merged, kd.Columns...)
	merged = append(merged, kd.PKColumns...)
	return KeyDef{Columns: merged}
}

// Histogram is a minimal power-of-two bucketed counter, used for the
// per-index statistics spec.md §3 lists ("histograms") without pulling in
// a metrics-histogram library purely to count observed value magnitudes
// internal to one index (prometheus.Histogram, already wired for the
// engine-wide stats surface in pkg/stats, is reserved for external
// counters).
type Histogram struct {
	buckets [65]atomic.Int64 // one per possible bit length of a uint64, plus zero
}

// Observe records v in the bucket for its bit length.
func (h *Histogram) Observe(v uint64) {
	bucket := 0
	for v > 0 {
		v >>= 1
		bucket++
	}
	h.buckets[bucket].Add(1)
}

// Count returns the number of observations recorded in bucket i.
func (h *Histogram) Count(i int) int64 { return h.buckets[i].Load() }

type pendingKey struct {
	key string
	psn base.SeqNum
}

// Index is a named ordered store over one key definition (spec.md §3).
type Index struct {
	id   uint64
	name string
	cmp  compare.Compare

	UserKeyDef KeyDef
	IsPrimary  bool
	columnMask uint64

	tree    *rangetree.Tree
	cache   *cache.Cache
	reads   *txn.ReadSet
	memSize uint
	dir     string

	KeyHistogram   Histogram
	ValueHistogram Histogram

	refs    atomic.Int64
	dropped atomic.Bool

	pendingMu sync.Mutex
	pending   map[pendingKey]*memtable.Mem

	chainMu          sync.Mutex
	chainLen         map[string]uint8
	onChainSaturated func(*Index, []byte)
}

// upsertSquashThreshold is the UPSERT-chain counter value spec.md §4.9
// queues a squash request at ("when a write produces a statement whose
// upsert-chain counter reaches 128").
const upsertSquashThreshold = 128

// SetSquashTrigger installs the callback invoked every time a key's
// UPSERT-chain counter reaches upsertSquashThreshold (spec.md §4.9). An
// Env wires this to the background squash fiber's Enqueue.
func (idx *Index) SetSquashTrigger(fn func(*Index, []byte)) { idx.onChainSaturated = fn }

// New constructs an Index with a fresh single-range tree tiling the whole
// key space and a cache of cacheSize entries.
func New(id uint64, name string, cmp compare.Compare, keyDef KeyDef, isPrimary bool, columnMask uint64, memSize uint, cacheSize int) *Index {
	idx := &Index{
		id:         id,
		name:       name,
		cmp:        cmp,
		UserKeyDef: keyDef,
		IsPrimary:  isPrimary,
		columnMask: columnMask,
		tree:       rangetree.New(cmp, memSize),
		cache:      cache.New(cacheSize),
		reads:      txn.NewReadSet(cmp),
		memSize:    memSize,
		pending:    make(map[pendingKey]*memtable.Mem),
		chainLen:   make(map[string]uint8),
	}
	idx.refs.Store(1)
	return idx
}

// ID implements txn.IndexHandle.
func (idx *Index) ID() uint64 { return idx.id }

// Name returns the index's name.
func (idx *Index) Name() string { return idx.name }

// Compare returns the index's key comparator.
func (idx *Index) Compare() compare.Compare { return idx.cmp }

// Tree returns the index's range tree.
func (idx *Index) Tree() *rangetree.Tree { return idx.tree }

// Cache returns the index's read-through cache.
func (idx *Index) Cache() *cache.Cache { return idx.cache }

// ReadSet implements txn.IndexHandle.
func (idx *Index) ReadSet() *txn.ReadSet { return idx.reads }

// Dir returns the index's on-disk directory (spec.md §6:
// "<base>/<space-id>/<index-id>/"), set once at creation via SetDir.
func (idx *Index) Dir() string { return idx.dir }

// SetDir assigns the index's on-disk directory. Called once by the
// environment during CREATE_INDEX/recovery, before any dump or compaction
// task can run against this index.
func (idx *Index) SetDir(dir string) { idx.dir = dir }

// ColumnMask returns the bitmask of tuple columns this index's key and
// covered columns participate in (spec.md §4.6 "secondary-index
// optimisation").
func (idx *Index) ColumnMask() uint64 { return idx.columnMask }

// Ref/Unref implement the refcount spec.md §3 lists; an index is only
// physically dropped once its refcount reaches zero after Drop.
func (idx *Index) Ref()   { idx.refs.Add(1) }
func (idx *Index) Unref() int64 { return idx.refs.Add(-1) }

// Drop sets the drop flag. Readers/writers already past this check may
// still complete; new ones are rejected.
func (idx *Index) Drop() { idx.dropped.Store(true) }

// Dropped reports the drop flag.
func (idx *Index) Dropped() bool { return idx.dropped.Load() }

// chainCount advances key's persisted UPSERT-chain counter (spec.md §3:
// "an UPSERT-chain counter (0..254, plus a saturation value 255)"):
// restarted at 0 by a REPLACE/DELETE base, bumped by each UPSERT on top of
// it. Returns the new count and fires onChainSaturated once it reaches
// upsertSquashThreshold (spec.md §4.9).
func (idx *Index) chainCount(key []byte, kind base.InternalKeyKind) uint8 {
	idx.chainMu.Lock()
	defer idx.chainMu.Unlock()
	if kind != base.InternalKeyKindUpsert {
		delete(idx.chainLen, string(key))
		return 0
	}
	k := string(key)
	count := bumpChain(idx.chainLen[k])
	idx.chainLen[k] = count
	if count == upsertSquashThreshold && idx.onChainSaturated != nil {
		idx.onChainSaturated(idx, key)
	}
	return count
}

func bumpChain(c uint8) uint8 {
	if c < base.UpsertSaturated {
		return c + 1
	}
	return c
}

// PrepareWrite locates the range containing key and prepares the write
// into its active mem, retrying once against the freshly rotated active
// mem if the first one was sealed or full out from under the caller
// (spec.md §4.2: "Returns ErrMemtableFlushed ... signalling the caller to
// rotate to a new active mem and retry").
func (idx *Index) PrepareWrite(key, value []byte, kind base.InternalKeyKind, psn base.SeqNum, upsertCount uint8, columnMask uint64) error {
	if idx.Dropped() {
		return ErrDropped
	}
	idx.KeyHistogram.Observe(uint64(len(key)))
	idx.ValueHistogram.Observe(uint64(len(value)))
	_ = upsertCount // superseded by the index-tracked chain count below
	chainCount := idx.chainCount(key, kind)
	var m *memtable.Mem
	for attempt := 0; attempt < 2; attempt++ {
		r, err := idx.tree.LocateForWrite(key)
		if err != nil {
			return err
		}
		active := r.Active
		err = active.Prepare(key, value, kind, psn, chainCount, columnMask)
		if err == nil {
			m = active
			break
		}
		if !errors.Is(err, memtable.ErrMemtableFlushed) {
			return err
		}
		r.Seal(idx.tree.NextMemID(), idx.memSize)
	}
	if m == nil {
		return memtable.ErrMemtableFlushed
	}
	// The pin (spec.md §4.7: "pin mems" on prepare) keeps the mem out of
	// any dump until the commit LSN rewrite or rollback has happened.
	m.Pin()
	idx.pendingMu.Lock()
	idx.pending[pendingKey{string(key), psn}] = m
	idx.pendingMu.Unlock()
	return nil
}

func (idx *Index) takePending(key []byte, psn base.SeqNum) *memtable.Mem {
	pk := pendingKey{string(key), psn}
	idx.pendingMu.Lock()
	defer idx.pendingMu.Unlock()
	m := idx.pending[pk]
	delete(idx.pending, pk)
	return m
}

// CommitWrite implements txn.IndexHandle: rewrites the prepared entry's
// sentinel LSN to lsn in the mem it was prepared into (spec.md §4.2).
func (idx *Index) CommitWrite(key []byte, kind base.InternalKeyKind, psn, lsn base.SeqNum) error {
	m := idx.takePending(key, psn)
	if m == nil {
		return ErrNotPrepared
	}
	defer m.Unpin()
	idx.cache.BumpEpoch()
	return m.Commit(key, kind, psn, lsn)
}

// RollbackWrite implements txn.IndexHandle: marks the prepared entry
// aborted in place (spec.md §4.2).
func (idx *Index) RollbackWrite(key []byte, kind base.InternalKeyKind, psn base.SeqNum) error {
	m := idx.takePending(key, psn)
	if m == nil {
		return ErrNotPrepared
	}
	defer m.Unpin()
	return m.Rollback(key, kind, psn)
}
