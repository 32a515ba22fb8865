// Package wal implements the write-ahead log the core's transaction
// manager produces statements into at prepare time (spec.md §6, "WAL
// contract (consumed)"): the host WAL assigns commit LSNs and the core
// receives commit(lsn)/rollback() after prepare, then replays operations in
// LSN order after a crash.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"boulder/internal/base"
)

// OpKind distinguishes the three record shapes a WAL entry can take.
type OpKind uint8

const (
	OpPrepare OpKind = iota
	OpCommit
	OpRollback
)

// Record is the msgpack-encoded unit of the log. Prepare records carry the
// statement body; commit/rollback records carry only enough to locate the
// matching prepare.
type Record struct {
	Op      OpKind
	RangeID uint64
	PSN     base.SeqNum
	LSN     base.SeqNum `msgpack:",omitempty"`
	Key     []byte      `msgpack:",omitempty"`
	Value   []byte      `msgpack:",omitempty"`
	Kind    base.InternalKeyKind
}

// WAL is an append-only, length-framed msgpack record log. Unlike the run
// writer, it is not block-aligned directio: records are variable-length and
// framing relies on an exact byte length prefix, which direct I/O's
// block-padding would corrupt.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	lsn  base.AtomicSeqNum
}

// New opens (creating if necessary) the log at path, seeding the LSN
// allocator at startLSN (the recovered checkpoint LSN, or SeqNumStart for a
// brand new log).
func New(path string, startLSN base.SeqNum) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	w := &WAL{file: f, w: bufio.NewWriter(f)}
	w.lsn.Store(startLSN)
	return w, nil
}

func (w *WAL) append(rec *Record) error {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.w.Write(payload)
	return err
}

// Prepare logs a statement's body before its commit LSN is known (spec.md
// §6: "the core produces statements during prepare").
func (w *WAL) Prepare(rangeID uint64, psn base.SeqNum, key, value []byte, kind base.InternalKeyKind) error {
	return w.append(&Record{Op: OpPrepare, RangeID: rangeID, PSN: psn, Key: key, Value: value, Kind: kind})
}

// Commit assigns and logs the next commit LSN for a previously prepared
// statement (spec.md §6: "the host WAL assigns commit LSNs").
func (w *WAL) Commit(rangeID uint64, psn base.SeqNum) (base.SeqNum, error) {
	lsn := w.lsn.Add(1)
	if err := w.append(&Record{Op: OpCommit, RangeID: rangeID, PSN: psn, LSN: lsn}); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Rollback logs the abandonment of a previously prepared statement.
func (w *WAL) Rollback(rangeID uint64, psn base.SeqNum) error {
	return w.append(&Record{Op: OpRollback, RangeID: rangeID, PSN: psn})
}

// LastLSN peeks the most recently allocated LSN without consuming one, for
// callers that only need a current watermark (the scheduler's dump
// trigger, spec.md §4.8) rather than a fresh commit LSN.
func (w *WAL) LastLSN() base.SeqNum { return w.lsn.Load() }

// AdvanceTo raises the LSN allocator to at least lsn, used after replay so
// freshly committed statements never reuse an LSN the log already carries.
func (w *WAL) AdvanceTo(lsn base.SeqNum) {
	for {
		cur := w.lsn.Load()
		if lsn <= cur || w.lsn.CompareAndSwap(cur, lsn) {
			return
		}
	}
}

// NextLSN allocates and returns a fresh commit LSN without writing a
// record. A transaction's statements may span several prepare/commit
// pairs that must all carry the same commit LSN (spec.md §4.7: "Commit
// stamps every write's tentative LSN with lsn"), so the LSN is allocated
// once here and then stamped onto each statement via CommitAt.
func (w *WAL) NextLSN() base.SeqNum { return w.lsn.Add(1) }

// CommitAt logs a commit record for a previously prepared statement at an
// already-allocated LSN, used when several statements share one
// transaction-level commit LSN.
func (w *WAL) CommitAt(rangeID uint64, psn, lsn base.SeqNum) error {
	return w.append(&Record{Op: OpCommit, RangeID: rangeID, PSN: psn, LSN: lsn})
}

// Flush forces buffered records to stable storage.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	if err := w.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

// ReplayedOp is one committed statement recovered from the log, already
// joined from its prepare and commit records and ready for redo against a
// mem (spec.md §6: "statements whose LSN <= the max LSN of any existing run
// in the target range are treated as already-dumped and skipped" — that
// filtering is the caller's responsibility since it requires range state
// this package doesn't have).
type ReplayedOp struct {
	RangeID uint64
	Key     []byte
	Value   []byte
	Kind    base.InternalKeyKind
	LSN     base.SeqNum
}

type pendingKey struct {
	rangeID uint64
	psn     base.SeqNum
}

// Replay reads every record in path and returns the committed statements in
// log order. A torn write at the tail (the last record truncated by a
// crash mid-append) ends replay at that point rather than failing it,
// since everything durably committed before the tear is already captured.
// A missing file is treated as an empty log.
func Replay(path string) ([]ReplayedOp, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	// Several statements of one transaction can target the same range under
	// one psn (one prepare record each), so each pending slot is a slice and
	// a commit record drains all of them at once.
	pending := make(map[pendingKey][]*Record)
	var ops []ReplayedOp

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		var rec Record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			break
		}

		key := pendingKey{rec.RangeID, rec.PSN}
		switch rec.Op {
		case OpPrepare:
			cp := rec
			pending[key] = append(pending[key], &cp)
		case OpCommit:
			for _, p := range pending[key] {
				ops = append(ops, ReplayedOp{
					RangeID: p.RangeID,
					Key:     p.Key,
					Value:   p.Value,
					Kind:    p.Kind,
					LSN:     rec.LSN,
				})
			}
			delete(pending, key)
		case OpRollback:
			delete(pending, key)
		}
	}

	return ops, nil
}
