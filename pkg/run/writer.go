package run

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"boulder/internal/base"
	"boulder/pkg/storage"
)

// blockAlignedSize returns the directio block size the run file's writer
// pads to, used to convert a Writer.Write block count back into a byte
// offset for PageInfo.Offset / PageInfo.PageIndexOffset.
func blockAlignedSize() int {
	return storage.BlockSize()
}

// Paths returns the conventional .run/.index pair for a run id inside an
// index directory (spec.md §6: "<base>/<space-id>/<index-id>/").
func Paths(dir string, runID uint64) (runPath, indexPath string) {
	name := fmt.Sprintf("%020d", runID)
	return filepath.Join(dir, name+".run"), filepath.Join(dir, name+".index")
}

// Writer builds a single run from a sorted stream of statements (the write
// iterator's output, spec.md §4.6). Add ends the current page itself when
// the next row would push it past the page-size target; a caller ends a
// page explicitly via FinishPage, e.g. at a split-key boundary (spec.md
// §4.3).
type Writer struct {
	runFile *storage.Writer
	runTmp  string
	runPath string

	indexTmp  string
	indexPath string

	pageSize int

	rows    []wireRow
	offsets []uint32
	bodyLen int

	minKey []byte
	maxKey []byte

	pages  []PageInfo
	keys   [][]byte
	hashes []uint64

	blockOffset int64
	closed      bool
}

// NewWriter creates the temporary .run/.index files for runID inside dir.
// pageSize bounds the uncompressed size of a page's row body before it is
// flushed.
func NewWriter(dir string, runID uint64, pageSize int) (*Writer, error) {
	runPath, indexPath := Paths(dir, runID)
	runTmp := runPath + ".tmp"
	indexTmp := indexPath + ".tmp"

	runFile, err := storage.NewWriter(runTmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return nil, err
	}

	return &Writer{
		runFile:   runFile,
		runTmp:    runTmp,
		runPath:   runPath,
		indexTmp:  indexTmp,
		indexPath: indexPath,
		pageSize:  pageSize,
	}, nil
}

// Add appends a statement to the current page, flushing the page first if
// adding it would exceed the page-size target.
func (w *Writer) Add(kv base.InternalKV, kind RowKind) error {
	row := wireRow{
		Kind:        kind,
		Key:         kv.K.UserKey,
		Trailer:     uint64(kv.K.Trailer),
		Value:       kv.V,
		UpsertCount: kv.UpsertCount,
		ColumnMask:  kv.ColumnMask,
	}

	encoded, err := msgpack.Marshal(&row)
	if err != nil {
		return err
	}

	if len(w.rows) > 0 && w.bodyLen+len(encoded) > w.pageSize {
		if err := w.FinishPage(); err != nil {
			return err
		}
	}

	w.offsets = append(w.offsets, uint32(w.bodyLen))
	w.rows = append(w.rows, row)
	w.bodyLen += len(encoded)

	if w.minKey == nil {
		w.minKey = append([]byte(nil), kv.K.UserKey...)
	}
	w.maxKey = append([]byte(nil), kv.K.UserKey...)
	w.keys = append(w.keys, append([]byte(nil), kv.K.UserKey...))
	w.hashes = append(w.hashes, bloomHash(kv.K.UserKey))

	return nil
}

// FinishPage flushes the accumulated rows as one compressed page plus its
// trailing row-offset table, called explicitly at a split-key boundary or
// when the page-size target is hit (spec.md §4.3).
func (w *Writer) FinishPage() error {
	if len(w.rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	for i := range w.rows {
		encoded, err := msgpack.Marshal(&w.rows[i])
		if err != nil {
			return err
		}
		body.Write(encoded)
	}
	unpackedSize := body.Len()
	// w.keys spans the whole run; the current page's rows are its last
	// len(w.rows) entries.
	pageMinKey := append([]byte(nil), w.keys[len(w.keys)-len(w.rows)]...)
	rowCount := len(w.rows)

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(body.Bytes()); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	pageOffset := w.blockOffset
	blocks, err := w.runFile.Write(compressed.Bytes())
	if err != nil {
		return err
	}
	w.blockOffset += int64(blocks) * int64(blockAlignedSize())

	idxRec := pageIndexRecord{Offsets: w.offsets}
	idxPayload, err := msgpack.Marshal(&idxRec)
	if err != nil {
		return err
	}
	pageIndexOffset := w.blockOffset
	blocks, err = w.runFile.Write(idxPayload)
	if err != nil {
		return err
	}
	w.blockOffset += int64(blocks) * int64(blockAlignedSize())

	w.pages = append(w.pages, PageInfo{
		Offset:          pageOffset,
		Size:            compressed.Len(),
		RowCount:        rowCount,
		MinKey:          pageMinKey,
		UnpackedSize:    unpackedSize,
		PageIndexOffset: pageIndexOffset,
		PageIndexSize:   len(idxPayload),
	})

	w.rows = w.rows[:0]
	w.offsets = w.offsets[:0]
	w.bodyLen = 0

	return nil
}

// Finish flushes any pending page, builds the bloom filter spectrum over
// every key written, fsyncs and atomically renames both files, and returns
// the RunInfo describing the finished run. If no page was ever written the
// run is empty (spec.md §4.3: "still logged but skipped on read") and
// Finish removes the temporary files instead of renaming them.
func (w *Writer) Finish(fpr float64) (RunInfo, error) {
	if err := w.FinishPage(); err != nil {
		return RunInfo{}, err
	}

	if len(w.pages) == 0 {
		_ = w.runFile.Close()
		_ = os.Remove(w.runTmp)
		return RunInfo{}, nil
	}

	filter := buildBloom(w.hashes, fpr)
	bloomBytes, err := filter.encode()
	if err != nil {
		return RunInfo{}, err
	}

	info := RunInfo{
		MinKey:    w.minKey,
		MaxKey:    w.maxKey,
		PageCount: len(w.pages),
		Bloom:     bloomBytes,
	}

	if err := w.runFile.Sync(); err != nil {
		return RunInfo{}, err
	}
	if err := w.runFile.Close(); err != nil {
		return RunInfo{}, err
	}

	indexFile, err := storage.NewWriter(w.indexTmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return RunInfo{}, err
	}
	infoPayload, err := msgpack.Marshal(&info)
	if err != nil {
		return RunInfo{}, err
	}
	if _, err := indexFile.Write(lengthPrefixed(infoPayload)); err != nil {
		return RunInfo{}, err
	}
	for i := range w.pages {
		pagePayload, err := msgpack.Marshal(&w.pages[i])
		if err != nil {
			return RunInfo{}, err
		}
		if _, err := indexFile.Write(lengthPrefixed(pagePayload)); err != nil {
			return RunInfo{}, err
		}
	}
	if err := indexFile.Sync(); err != nil {
		return RunInfo{}, err
	}
	if err := indexFile.Close(); err != nil {
		return RunInfo{}, err
	}

	if err := os.Rename(w.runTmp, w.runPath); err != nil {
		return RunInfo{}, err
	}
	if err := os.Rename(w.indexTmp, w.indexPath); err != nil {
		return RunInfo{}, err
	}

	w.closed = true
	return info, nil
}

// lengthPrefixed frames payload with a 4-byte big-endian length, since the
// .index file's records are variable length and directio write padding
// would otherwise merge into the following record.
func lengthPrefixed(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}
