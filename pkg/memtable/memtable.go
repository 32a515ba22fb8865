// Package memtable implements the mem: the single active, arena-backed,
// lock-free skiplist each range accepts writes into (spec.md §4.2). A mem
// is rotated (sealed) when the scheduler starts a dump task or when the
// active snapshot/schema generation changes between inserts, and it is
// retired once every pinning transaction has released it and its dump has
// committed to the metadata log.
package memtable

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/ncw/directio"

	"boulder/internal/arch"
	"boulder/internal/arena"
	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/internal/skiplist"
	"boulder/pkg/iterator"
)

// valueHeaderSize is the width of the UpsertCount/ColumnMask prefix every
// stored value carries (spec.md §3: a statement's UPSERT-chain counter and
// column mask travel with it). The skiplist node format only has room for
// one opaque value blob, so the pair is packed into that blob rather than
// widening every node (internal/skiplist is carried over from Pebble
// unchanged); run rows decode the same pair from their own msgpack fields
// (pkg/run/format.go), so a statement keeps both across a dump.
const valueHeaderSize = 9

func encodeValue(value []byte, upsertCount uint8, columnMask uint64) []byte {
	buf := make([]byte, valueHeaderSize+len(value))
	buf[0] = upsertCount
	binary.BigEndian.PutUint64(buf[1:valueHeaderSize], columnMask)
	copy(buf[valueHeaderSize:], value)
	return buf
}

func decodeValue(raw []byte) (value []byte, upsertCount uint8, columnMask uint64) {
	if len(raw) < valueHeaderSize {
		return raw, 0, 0
	}
	return raw[valueHeaderSize:], raw[0], binary.BigEndian.Uint64(raw[1:valueHeaderSize])
}

// decodingIter unwraps the UpsertCount/ColumnMask header encodeValue packs
// into every stored value, so every reader above pkg/memtable sees the
// statement's real value and fields exactly as it would from a run row.
type decodingIter struct {
	iterator.Iterator
}

func wrapDecoding(it iterator.Iterator) iterator.Iterator { return &decodingIter{Iterator: it} }

func decode(kv *base.InternalKV) *base.InternalKV {
	if kv == nil {
		return nil
	}
	kv.V, kv.UpsertCount, kv.ColumnMask = decodeValue(kv.V)
	return kv
}

func (d *decodingIter) SeekGE(key []byte) *base.InternalKV { return decode(d.Iterator.SeekGE(key)) }
func (d *decodingIter) SeekLT(key []byte) *base.InternalKV { return decode(d.Iterator.SeekLT(key)) }
func (d *decodingIter) First() *base.InternalKV            { return decode(d.Iterator.First()) }
func (d *decodingIter) Last() *base.InternalKV             { return decode(d.Iterator.Last()) }
func (d *decodingIter) Next() *base.InternalKV             { return decode(d.Iterator.Next()) }
func (d *decodingIter) Prev() *base.InternalKV             { return decode(d.Iterator.Prev()) }

// Mem is one in-memory tree: an arena-backed skiplist plus the bookkeeping
// the scheduler and transaction manager need to decide when it is safe to
// retire (spec.md §4.2).
type Mem struct {
	id  uint64
	cmp compare.Compare

	skl *skiplist.Skiplist

	// minLSN/maxLSN bound the real (post-commit) LSNs this mem holds.
	// gc(dump_lsn) retires a sealed mem once minLSN <= dump_lsn.
	minLSN base.AtomicSeqNum
	maxLSN base.AtomicSeqNum

	// pins counts outstanding references: the active-writer reference plus
	// one per read view or iterator currently walking this mem.
	pins arch.AtomicInt

	sealed  atomic.Bool
	dumped  atomic.Bool
	entries atomic.Uint64
}

// New creates an empty, active mem with an arena of at least size bytes,
// rounded up to the directio block size so the dump writer can read it
// back with block-aligned I/O. The mem starts with a reference count of
// one, representing the writer that will insert into it.
func New(id uint64, size uint, cmp compare.Compare) *Mem {
	if size < directio.BlockSize {
		size = directio.BlockSize
	} else if rem := size % directio.BlockSize; rem != 0 {
		size += directio.BlockSize - rem
	}

	m := &Mem{
		id:  id,
		cmp: cmp,
		skl: skiplist.NewSkiplist(arena.New(size), cmp),
	}
	m.minLSN.Store(base.SeqNumMax)
	m.pins.Store(arch.IntToArchSize(1))
	return m
}

// ID returns the mem's FIFO dump-order identifier.
func (m *Mem) ID() uint64 { return m.id }

// MinLSN returns the lowest committed LSN this mem holds, or SeqNumMax if
// the mem holds no committed statement yet.
func (m *Mem) MinLSN() base.SeqNum { return m.minLSN.Load() }

// MaxLSN returns the highest committed LSN this mem holds.
func (m *Mem) MaxLSN() base.SeqNum { return m.maxLSN.Load() }

// Used returns the number of arena bytes consumed so far.
func (m *Mem) Used() uint { return m.skl.Size() }

// Cap returns the mem's total arena capacity.
func (m *Mem) Cap() uint { return m.skl.Arena().Cap() }

// IsEmpty reports whether any statement (prepared or committed) has ever
// been inserted into this mem.
func (m *Mem) IsEmpty() bool { return m.entries.Load() == 0 }

// Sealed reports whether the mem has stopped accepting new prepares.
func (m *Mem) Sealed() bool { return m.sealed.Load() }

// Seal freezes the mem: no further Prepare calls will succeed. Called by
// the scheduler at the start of every dump task and whenever the active
// mem must be rotated out from under new writes (spec.md §4.2).
func (m *Mem) Seal() { m.sealed.Store(true) }

// MarkDumped records that a dump task has durably written this mem's
// contents to a run and committed the run's metadata-log record. Only a
// dumped mem may be reclaimed by gc(dump_lsn) (spec.md §4.2: a sealed mem
// is owned by the dump FIFO until "the dump task that wrote it has
// committed its metadata-log record").
func (m *Mem) MarkDumped() { m.dumped.Store(true) }

// Dumped reports whether a dump has persisted this mem.
func (m *Mem) Dumped() bool { return m.dumped.Load() }

// Pin increments the mem's reference count. Held by the scheduler's
// dump-FIFO entry and by every read view whose snapshot can still observe
// this mem.
func (m *Mem) Pin() { m.pins.Add(1) }

// Unpin releases a reference. The caller (scheduler gc(dump_lsn) pass)
// is responsible for checking Pinned before freeing the mem's arena.
func (m *Mem) Unpin() { m.pins.Add(-1) }

// Pinned reports whether the mem still has live references.
func (m *Mem) Pinned() bool { return m.pins.Load() > 0 }

func prepareTrailer(psn base.SeqNum, kind base.InternalKeyKind) base.InternalKeyTrailer {
	// A prepare sentinel must sort ahead of every real commit LSN for the
	// same user key so that concurrent readers never observe a half
	// committed write; base.SeqNumMax-psn still leaves room for distinct,
	// descending-by-psn sentinels without colliding with SeqNumMax itself
	// (reserved for search keys).
	return base.MakeTrailer(base.SeqNumMax-1-psn, kind)
}

// Prepare copies key/value into the mem's arena and inserts it under a
// sentinel LSN derived from psn (spec.md §4.2: "on prepare, the tuple is
// copied into the mem's arena and inserted under LSN MAX_LSN + psn").
// upsertCount and columnMask travel with the statement (spec.md §3) so a
// later dump can still honor the write iterator's secondary-index
// suppression and the upsert-squash fiber's trigger. Returns
// ErrMemtableFlushed once the mem is sealed or its arena is full,
// signalling the caller to rotate to a new active mem and retry.
func (m *Mem) Prepare(key []byte, value []byte, kind base.InternalKeyKind, psn base.SeqNum, upsertCount uint8, columnMask uint64) error {
	if m.sealed.Load() {
		return ErrMemtableFlushed
	}

	ik := base.InternalKey{UserKey: key, Trailer: prepareTrailer(psn, kind)}
	if err := m.skl.Add(ik, encodeValue(value, upsertCount, columnMask)); err != nil {
		if errors.Is(err, arena.ErrArenaFull) {
			m.sealed.Store(true)
			return ErrMemtableFlushed
		}
		if errors.Is(err, skiplist.ErrRecordExists) {
			return ErrRecordExists
		}
		return err
	}
	m.entries.Add(1)
	return nil
}

// Commit rewrites a previously prepared statement's trailer from its
// prepare sentinel to the real commit LSN, preserving key order since
// prepare LSNs always exceed any real LSN (spec.md §4.2). It also widens
// the mem's [minLSN, maxLSN] bounds.
func (m *Mem) Commit(key []byte, kind base.InternalKeyKind, psn base.SeqNum, commitLSN base.SeqNum) error {
	old := base.InternalKey{UserKey: key, Trailer: prepareTrailer(psn, kind)}
	if !m.skl.Rewrite(old, base.MakeTrailer(commitLSN, kind)) {
		return ErrNotPrepared
	}

	for {
		cur := m.minLSN.Load()
		if commitLSN >= cur || m.minLSN.CompareAndSwap(cur, commitLSN) {
			break
		}
	}
	for {
		cur := m.maxLSN.Load()
		if commitLSN <= cur || m.maxLSN.CompareAndSwap(cur, commitLSN) {
			break
		}
	}
	return nil
}

// Rollback rewrites a prepared statement's kind to InternalKeyKindAborted
// in place (spec.md §4.2: "on rollback the entry is erased" — the
// lock-free skiplist this mem is built on, ported from Pebble, never
// supports true deletion, so every reader must treat an aborted kind as a
// no-op instead).
func (m *Mem) Rollback(key []byte, kind base.InternalKeyKind, psn base.SeqNum) error {
	old := base.InternalKey{UserKey: key, Trailer: prepareTrailer(psn, kind)}
	if !m.skl.Rewrite(old, base.MakeTrailer(old.Trailer.SeqNum(), base.InternalKeyKindAborted)) {
		return ErrNotPrepared
	}
	return nil
}

// Set inserts an already-sequenced statement directly, bypassing the
// prepare/commit split. Used by WAL replay and metadata-log recovery,
// where the LSN is already known and final (spec.md §6).
func (m *Mem) Set(kv base.InternalKV) error {
	if m.sealed.Load() {
		return ErrMemtableFlushed
	}
	if err := m.skl.Add(kv.K, encodeValue(kv.V, kv.UpsertCount, kv.ColumnMask)); err != nil {
		if errors.Is(err, arena.ErrArenaFull) {
			m.sealed.Store(true)
			return ErrMemtableFlushed
		}
		if errors.Is(err, skiplist.ErrRecordExists) {
			return ErrRecordExists
		}
		return err
	}
	m.entries.Add(1)

	lsn := kv.SeqNum()
	for {
		cur := m.minLSN.Load()
		if lsn >= cur || m.minLSN.CompareAndSwap(cur, lsn) {
			break
		}
	}
	for {
		cur := m.maxLSN.Load()
		if lsn <= cur || m.maxLSN.CompareAndSwap(cur, lsn) {
			break
		}
	}
	return nil
}

// NewIter returns a bounded iterator over the mem, pinning it for the
// iterator's lifetime and unpinning on Close.
func (m *Mem) NewIter(lower, upper []byte) iterator.Iterator {
	m.Pin()
	return wrapDecoding(m.skl.Iter(lower, upper, m.Unpin))
}

// FlushIter returns an unbounded, in-order iterator over every statement in
// the mem, used by the dump task to write a new run (spec.md §4.3).
func (m *Mem) FlushIter() iterator.Iterator {
	return wrapDecoding(m.skl.FlushIter())
}

// Reset clears the mem's arena for reuse by a future active mem. Returns
// ErrMemtableActive if any reference is still outstanding.
func (m *Mem) Reset(id uint64) error {
	if m.Pinned() {
		return ErrMemtableActive
	}
	a := m.skl.Arena()
	a.Reset()
	m.skl.Reset(a)
	m.id = id
	m.sealed.Store(false)
	m.dumped.Store(false)
	m.entries.Store(0)
	m.minLSN.Store(base.SeqNumMax)
	m.maxLSN.Store(base.SeqNumZero)
	m.pins.Store(arch.IntToArchSize(1))
	return nil
}
