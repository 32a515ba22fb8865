package base

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// SeqNum is a sequence number (LSN) defining precedence among identical
// user keys: a key with a higher sequence number takes precedence over an
// equal user key at a lower sequence number (spec.md glossary, "LSN").
// Prepare-time statements are temporarily stamped with a value derived from
// SeqNumMax and the transaction's psn (spec.md §4.2, §4.7) so that they
// always sort before any real commit LSN until the commit rewrite happens.
type SeqNum uint64

const (
	// SeqNumZero is never assigned to a live statement; reserved.
	SeqNumZero SeqNum = 0
	// SeqNumStart is the first sequence number assigned to a key.
	SeqNumStart SeqNum = 10
	// SeqNumMax is the largest valid sequence number (56 bits).
	SeqNumMax SeqNum = 1<<56 - 1
	// SentinelFloor bounds the prepare-sentinel range used by
	// mem.prepareTrailer (SeqNumMax-1-psn for psn >= 1): any statement
	// carrying an LSN at or above this floor is still in its prepare phase
	// and must be treated as invisible to every read view regardless of
	// vlsn, since no real commit LSN (assigned from a small monotonic WAL
	// counter) ever approaches this magnitude.
	SentinelFloor SeqNum = SeqNumMax - (1 << 40)
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// ParseSeqNum parses the string representation of a sequence number. "inf"
// is accepted as SeqNumMax (used for exclusive upper bounds).
func ParseSeqNum(s string) (SeqNum, error) {
	if s == "inf" {
		return SeqNumMax, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("base: parse seqnum %q: %w", s, err)
	}
	return SeqNum(n), nil
}

// AtomicSeqNum is an atomic SeqNum.
type AtomicSeqNum struct {
	value atomic.Uint64
}

// Load atomically loads and returns the stored SeqNum.
func (asn *AtomicSeqNum) Load() SeqNum {
	return SeqNum(asn.value.Load())
}

// Store atomically stores s.
func (asn *AtomicSeqNum) Store(s SeqNum) {
	asn.value.Store(uint64(s))
}

// Add atomically adds delta to asn and returns the new value.
func (asn *AtomicSeqNum) Add(delta SeqNum) SeqNum {
	return SeqNum(asn.value.Add(uint64(delta)))
}

// CompareAndSwap executes the compare-and-swap operation.
func (asn *AtomicSeqNum) CompareAndSwap(old, new SeqNum) bool {
	return asn.value.CompareAndSwap(uint64(old), uint64(new))
}
