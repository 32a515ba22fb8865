// Package run implements the on-disk run: a pair of files per run
// (spec.md §6, "On-disk layout") holding sorted, page-organized statements
// plus the metadata needed to seek into them — a page index keyed by
// min_key, and a bloom filter spectrum for point lookups.
package run

import "boulder/internal/base"

// RowKind records whether a row belongs to the primary index or a
// secondary index (spec.md §6: "rows of type PRIMARY/SECONDARY"). Primary
// rows carry the full statement; secondary rows additionally carry the
// ColumnMask that the write iterator's secondary-index optimisation
// consults (spec.md §4.6).
type RowKind uint8

const (
	RowPrimary RowKind = iota
	RowSecondary
)

// wireRow is the msgpack encoding of one statement inside a page body.
type wireRow struct {
	Kind        RowKind `msgpack:"kind"`
	Key         []byte  `msgpack:"key"`
	Trailer     uint64  `msgpack:"trailer"`
	Value       []byte  `msgpack:"value"`
	UpsertCount uint8   `msgpack:"upsert_count"`
	ColumnMask  uint64  `msgpack:"column_mask"`
}

func (r *wireRow) toKV() base.InternalKV {
	return base.InternalKV{
		K:           base.InternalKey{UserKey: r.Key, Trailer: base.InternalKeyTrailer(r.Trailer)},
		V:           r.Value,
		Owner:       base.OwnerHeap,
		UpsertCount: r.UpsertCount,
		ColumnMask:  r.ColumnMask,
	}
}

// pageIndexRecord is the framing record written at the end of every page
// (spec.md §4.3: "Each page carries a row-offset table at its end"); its
// single field gives each row's byte offset into the page's *decompressed*
// body. The reader in this package does not read it back: it decodes a
// page's rows in order.
type pageIndexRecord struct {
	Offsets []uint32 `msgpack:"PAGE_INDEX"`
}

// PageInfo is one row of the .index file, one per page (spec.md §6).
type PageInfo struct {
	Offset           int64  `msgpack:"offset"`
	Size             int    `msgpack:"size"`
	RowCount         int    `msgpack:"row_count"`
	MinKey           []byte `msgpack:"min_key"`
	UnpackedSize     int    `msgpack:"unpacked_size"`
	PageIndexOffset  int64  `msgpack:"page_index_offset"`
	PageIndexSize    int    `msgpack:"page_index_size"`
}

// RunInfo is the first record of the .index file (spec.md §6).
type RunInfo struct {
	MinKey    []byte `msgpack:"min_key"`
	MaxKey    []byte `msgpack:"max_key"`
	PageCount int    `msgpack:"page_count"`
	Bloom     []byte `msgpack:"bloom"`
}
