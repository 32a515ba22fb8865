// Package compare defines the byte-slice and internal-key comparators
// shared by the skiplist, range tree, and merge iterator.
package compare

import (
	"bytes"

	"boulder/internal/base"
)

// Compare orders two user keys. The zero value is invalid; use Default for
// plain byte-lexicographic ordering.
type Compare func(a, b []byte) int

// Default is byte-lexicographic ordering, the comparator every index uses
// unless a custom key definition overrides it.
func Default(a, b []byte) int {
	return bytes.Compare(a, b)
}

// InternalKey orders two internal keys: ascending user key, then descending
// LSN so that the newest version of a key sorts first (spec.md §3: "orders
// first by user-key ascending, then by LSN descending").
func InternalKey(cmp Compare, a, b base.InternalKey) int {
	if c := cmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	// Trailer packs (seqnum<<8 | kind); a higher trailer is a higher
	// seqnum or, for equal seqnum, a higher kind. We want descending
	// seqnum, so invert the trailer comparison.
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}

// SuffixCompare compares the 7-byte sequence-number suffix of two encoded
// internal keys (the final 8 bytes are the trailer; the sequence number is
// the high 56 bits), falling back to a full byte comparison if either
// encoded key is shorter than the 8-byte trailer.
func SuffixCompare(a, b []byte) int {
	if len(a) < 8 || len(b) < 8 {
		return bytes.Compare(a, b)
	}
	seqA := a[len(a)-8 : len(a)-1]
	seqB := b[len(b)-8 : len(b)-1]
	return bytes.Compare(seqA, seqB)
}
