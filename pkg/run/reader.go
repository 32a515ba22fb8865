package run

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"boulder/internal/base"
	"boulder/internal/compare"
	"boulder/pkg/iterator"
	"boulder/pkg/storage"
)

// Run is an opened, immutable sorted run (spec.md §3 "Run"): a reference
// counted handle over the .run/.index file pair. Readers hold a reference
// for the duration of their scan (spec.md §5, "Resource discipline").
type Run struct {
	ID        uint64
	Dir       string
	MinLSN    base.SeqNum
	MaxLSN    base.SeqNum
	StmtCount int

	info  RunInfo
	pages []PageInfo
	bloom *bloomFilter

	reader *storage.Reader
	refs   atomic.Int64
	cmp    compare.Compare
}

// Empty reports whether this run was logged but produced no pages (spec.md
// §4.3: "A run is considered empty (keys=0) if the writer produced no
// pages; empty runs are still logged but skipped on read").
func (r *Run) Empty() bool { return len(r.pages) == 0 }

// MinKey and MaxKey are the run's boundary keys (spec.md §3: "min_key and
// max_key of a run are the first and last user keys it contains").
func (r *Run) MinKey() []byte { return r.info.MinKey }
func (r *Run) MaxKey() []byte { return r.info.MaxKey }

// PageCount returns the number of pages in the run.
func (r *Run) PageCount() int { return len(r.pages) }

// MidpointKey approximates a run's midpoint by the middle page's min key
// (spec.md §4.1: "split at the midpoint of that run's pages (approximated
// by the middle page's min-key)").
func (r *Run) MidpointKey() []byte {
	if len(r.pages) == 0 {
		return nil
	}
	return r.pages[len(r.pages)/2].MinKey
}

// Open reads a run's .index file (RUN_INFO + PAGE_INFO rows) and opens a
// directio reader over its .run file, ready for point lookups and scans.
// It does not read any page bodies eagerly.
func Open(dir string, runID uint64, minLSN, maxLSN base.SeqNum, stmtCount int, cmp compare.Compare) (*Run, error) {
	runPath, indexPath := Paths(dir, runID)

	idxFile, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("run: open index %s: %w", indexPath, err)
	}
	defer idxFile.Close()

	recs, err := readFramedRecords(idxFile)
	if err != nil {
		return nil, fmt.Errorf("run: read index %s: %w", indexPath, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("run: index %s has no RUN_INFO record", indexPath)
	}

	var info RunInfo
	if err := msgpack.Unmarshal(recs[0], &info); err != nil {
		return nil, fmt.Errorf("run: decode RUN_INFO: %w", err)
	}
	pages := make([]PageInfo, 0, len(recs)-1)
	for _, raw := range recs[1:] {
		var pi PageInfo
		if err := msgpack.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("run: decode PAGE_INFO: %w", err)
		}
		pages = append(pages, pi)
	}

	var filter *bloomFilter
	if len(info.Bloom) > 0 {
		if filter, err = decodeBloom(info.Bloom); err != nil {
			return nil, fmt.Errorf("run: decode bloom: %w", err)
		}
	}

	reader, err := storage.NewReader(runPath)
	if err != nil {
		return nil, fmt.Errorf("run: open data %s: %w", runPath, err)
	}

	r := &Run{
		ID:        runID,
		Dir:       dir,
		MinLSN:    minLSN,
		MaxLSN:    maxLSN,
		StmtCount: stmtCount,
		info:      info,
		pages:     pages,
		bloom:     filter,
		reader:    reader,
		cmp:       cmp,
	}
	r.refs.Store(1)
	return r, nil
}

func readFramedRecords(f *os.File) ([][]byte, error) {
	var recs [][]byte
	var lenBuf [4]byte
	block := int64(storage.BlockSize())
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			return nil, err
		}
		recs = append(recs, payload)
		// Each record went through its own directio Write, which zero-pads
		// it to the next block boundary; skip that padding.
		if rem := (4 + int64(n)) % block; rem != 0 {
			if _, err := f.Seek(block-rem, io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}
	return recs, nil
}

// Ref adds a reference, called whenever a cursor begins scanning the run.
func (r *Run) Ref() { r.refs.Add(1) }

// Unref releases a reference. The last unref closes the underlying reader.
func (r *Run) Unref() error {
	if r.refs.Add(-1) == 0 {
		return r.reader.Close()
	}
	return nil
}

// Remove unlinks a superseded run's on-disk files (spec.md §4.1/§7:
// compaction and split both retire the runs they replace). Safe to call
// only after every reference has been released; I/O errors are returned so
// the caller can apply spec.md §7's retry-on-next-log-rotation policy
// instead of losing the failure silently.
func Remove(dir string, runID uint64) error {
	runPath, indexPath := Paths(dir, runID)
	var err error
	if e := os.Remove(runPath); e != nil && !os.IsNotExist(e) {
		err = e
	}
	if e := os.Remove(indexPath); e != nil && !os.IsNotExist(e) && err == nil {
		err = e
	}
	return err
}

// MayContain consults the bloom filter for an equality search (spec.md
// §4.3 "Run reader contract": "Uses the bloom filter to skip on equality
// searches"). A run with no bloom filter (shouldn't happen post-Finish,
// but recovered-empty runs have none) always returns true.
func (r *Run) MayContain(userKey []byte) bool {
	if r.bloom == nil {
		return true
	}
	return r.bloom.has(bloomHash(userKey))
}

func (r *Run) pageIndex(userKey []byte) int {
	// Binary search to the first relevant page: the last page whose MinKey
	// <= userKey (spec.md §4.3 "Run reader contract").
	i := sort.Search(len(r.pages), func(i int) bool {
		return r.cmp(r.pages[i].MinKey, userKey) > 0
	})
	return i - 1
}

func (r *Run) loadPage(idx int) ([]base.InternalKV, error) {
	if idx < 0 || idx >= len(r.pages) {
		return nil, fmt.Errorf("run: page index %d out of range", idx)
	}
	pi := r.pages[idx]
	compressed, err := r.reader.ReadAt(pi.Offset, pi.Size)
	if err != nil {
		return nil, err
	}
	body := make([]byte, pi.UnpackedSize)
	zr := lz4.NewReader(bytes.NewReader(compressed))
	if _, err := io.ReadFull(zr, body); err != nil {
		return nil, fmt.Errorf("run: decompress page %d: %w", idx, err)
	}

	rows := make([]base.InternalKV, 0, pi.RowCount)
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	for i := 0; i < pi.RowCount; i++ {
		var w wireRow
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("run: decode row %d of page %d: %w", i, idx, err)
		}
		rows = append(rows, w.toKV())
	}
	return rows, nil
}

// NewIter returns a cursor over the run bounded by [lower, upper). The
// cursor loads pages lazily as iteration crosses page boundaries.
func (r *Run) NewIter(lower, upper []byte) iterator.Iterator {
	r.Ref()
	return &runIter{run: r, lower: lower, upper: upper}
}

type runIter struct {
	run          *Run
	lower, upper []byte
	pageIdx      int
	rows         []base.InternalKV
	pos          int
	closed       bool
}

func (it *runIter) inBounds(kv *base.InternalKV) *base.InternalKV {
	if kv == nil {
		return nil
	}
	if it.lower != nil && it.run.cmp(kv.K.UserKey, it.lower) < 0 {
		return nil
	}
	if it.upper != nil && it.run.cmp(kv.K.UserKey, it.upper) >= 0 {
		return nil
	}
	return kv
}

func (it *runIter) loadPage(idx int) bool {
	if idx < 0 || idx >= len(it.run.pages) {
		it.rows = nil
		return false
	}
	rows, err := it.run.loadPage(idx)
	if err != nil {
		it.rows = nil
		return false
	}
	it.pageIdx = idx
	it.rows = rows
	return true
}

func (it *runIter) SeekGE(key []byte) *base.InternalKV {
	idx := it.run.pageIndex(key)
	if idx < 0 {
		idx = 0
	}
	if !it.loadPage(idx) {
		return nil
	}
	it.pos = sort.Search(len(it.rows), func(i int) bool {
		return it.run.cmp(it.rows[i].K.UserKey, key) >= 0
	})
	if it.pos >= len(it.rows) {
		if !it.loadPage(it.pageIdx + 1) {
			return nil
		}
		it.pos = 0
	}
	if it.pos >= len(it.rows) {
		return nil
	}
	return it.inBounds(&it.rows[it.pos])
}

func (it *runIter) SeekLT(key []byte) *base.InternalKV {
	idx := it.run.pageIndex(key)
	if idx < 0 {
		return nil
	}
	if !it.loadPage(idx) {
		return nil
	}
	it.pos = sort.Search(len(it.rows), func(i int) bool {
		return it.run.cmp(it.rows[i].K.UserKey, key) >= 0
	}) - 1
	if it.pos < 0 {
		if !it.loadPage(it.pageIdx - 1) {
			return nil
		}
		it.pos = len(it.rows) - 1
	}
	if it.pos < 0 {
		return nil
	}
	return it.inBounds(&it.rows[it.pos])
}

func (it *runIter) First() *base.InternalKV {
	if !it.loadPage(0) {
		return nil
	}
	it.pos = 0
	if len(it.rows) == 0 {
		return nil
	}
	return it.inBounds(&it.rows[0])
}

func (it *runIter) Last() *base.InternalKV {
	if !it.loadPage(len(it.run.pages) - 1) {
		return nil
	}
	it.pos = len(it.rows) - 1
	if it.pos < 0 {
		return nil
	}
	return it.inBounds(&it.rows[it.pos])
}

func (it *runIter) Next() *base.InternalKV {
	it.pos++
	if it.pos >= len(it.rows) {
		if !it.loadPage(it.pageIdx + 1) {
			return nil
		}
		it.pos = 0
	}
	if it.pos >= len(it.rows) {
		return nil
	}
	return it.inBounds(&it.rows[it.pos])
}

func (it *runIter) Prev() *base.InternalKV {
	it.pos--
	if it.pos < 0 {
		if !it.loadPage(it.pageIdx - 1) {
			return nil
		}
		it.pos = len(it.rows) - 1
	}
	if it.pos < 0 {
		return nil
	}
	return it.inBounds(&it.rows[it.pos])
}

func (it *runIter) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.run.Unref()
}
