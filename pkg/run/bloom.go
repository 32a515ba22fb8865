package run

import (
	"bytes"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// bloomVersion is the filter's wire-format version, the first element of
// the encoded [version, table_size, hash_count, bytes] tuple (spec.md §6).
const bloomVersion = 1

// maxBloomHashes bounds the probe count; past ~16 probes the false-positive
// curve is flat and each extra probe is pure read cost.
const maxBloomHashes = 16

// bloomFilter is the run-level filter built by the writer's spectrum search
// (spec.md §4.3): every key is hashed while the run is written, and at
// finish the smallest table satisfying the configured false-positive-rate
// bound is chosen. The table bytes are owned here because the on-disk
// encoding spec.md §6 fixes — [version, table_size, hash_count, bytes] —
// requires reading them back verbatim.
type bloomFilter struct {
	nbits  uint64
	hashes int
	table  []byte
}

func newBloomFilter(nbits uint64, hashes int) *bloomFilter {
	if nbits < 64 {
		nbits = 64
	}
	// Round up to a whole byte.
	return &bloomFilter{
		nbits:  nbits,
		hashes: hashes,
		table:  make([]byte, (nbits+7)/8),
	}
}

// probe yields the i-th bit position for h using double hashing: the two
// halves of the 64-bit xxhash act as h1 and h2, with h2 forced odd so the
// probe sequence walks the whole table.
func (f *bloomFilter) probe(h uint64, i int) uint64 {
	h1 := h
	h2 := (h >> 32) | 1
	return (h1 + uint64(i)*h2) % f.nbits
}

func (f *bloomFilter) add(h uint64) {
	for i := 0; i < f.hashes; i++ {
		pos := f.probe(h, i)
		f.table[pos>>3] |= 1 << (pos & 7)
	}
}

func (f *bloomFilter) has(h uint64) bool {
	for i := 0; i < f.hashes; i++ {
		pos := f.probe(h, i)
		if f.table[pos>>3]&(1<<(pos&7)) == 0 {
			return false
		}
	}
	return true
}

// estimatedFPR is the standard (1 - e^(-kn/m))^k bound for n keys in an
// m-bit table probed k times.
func estimatedFPR(nbits uint64, hashes int, n int) float64 {
	if n == 0 {
		return 0
	}
	k := float64(hashes)
	return math.Pow(1-math.Exp(-k*float64(n)/float64(nbits)), k)
}

// buildBloom runs the spectrum search of spec.md §4.3: starting from a
// small table, double the size until the estimated false-positive rate for
// the key count falls under fpr, then populate the winner with every hash.
// The hash count per candidate is the optimal (m/n)·ln2 for that size.
func buildBloom(hashes []uint64, fpr float64) *bloomFilter {
	if len(hashes) == 0 {
		return nil
	}
	n := len(hashes)
	nbits := uint64(512)
	for {
		k := int(math.Round(float64(nbits) / float64(n) * math.Ln2))
		if k < 1 {
			k = 1
		}
		if k > maxBloomHashes {
			k = maxBloomHashes
		}
		if estimatedFPR(nbits, k, n) <= fpr || nbits >= 1<<32 {
			f := newBloomFilter(nbits, k)
			for _, h := range hashes {
				f.add(h)
			}
			return f
		}
		nbits *= 2
	}
}

// encode emits the [version, table_size, hash_count, bytes] tuple of
// spec.md §6 as a msgpack array.
func (f *bloomFilter) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(4); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint8(bloomVersion); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint64(f.nbits); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(f.hashes)); err != nil {
		return nil, err
	}
	if err := enc.EncodeBytes(f.table); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBloom(data []byte) (*bloomFilter, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 4 {
		return nil, fmt.Errorf("run: bloom encoding has %d elements, want 4", n)
	}
	version, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	if version != bloomVersion {
		return nil, fmt.Errorf("run: unsupported bloom version %d", version)
	}
	nbits, err := dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	hashes, err := dec.DecodeInt()
	if err != nil {
		return nil, err
	}
	table, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	if nbits == 0 || hashes <= 0 || uint64(len(table)) != (nbits+7)/8 {
		return nil, fmt.Errorf("run: corrupt bloom encoding")
	}
	return &bloomFilter{nbits: nbits, hashes: int(hashes), table: table}, nil
}

// bloomHash is the one hash function every key passes through, shared by
// writer and reader so probes line up.
func bloomHash(userKey []byte) uint64 {
	return xxhash.Sum64(userKey)
}
