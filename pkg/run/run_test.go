package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boulder/internal/base"
	"boulder/internal/compare"
)

func kv(key, value string, lsn base.SeqNum) base.InternalKV {
	return base.InternalKV{
		K: base.MakeInternalKey([]byte(key), lsn, base.InternalKeyKindSet),
		V: []byte(value),
	}
}

// TestWriterReaderRoundTrip exercises spec.md §8's round-trip property:
// encoding and decoding a page is identity on the statement multiset.
func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, 1, 4096)
	require.NoError(t, err)

	want := []base.InternalKV{
		kv("a", "1", 10),
		kv("b", "2", 11),
		kv("c", "3", 12),
	}
	for _, e := range want {
		require.NoError(t, w.Add(e, RowPrimary))
	}
	info, err := w.Finish(0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, info.PageCount)
	assert.Equal(t, []byte("a"), info.MinKey)
	assert.Equal(t, []byte("c"), info.MaxKey)

	r, err := Open(dir, 1, 10, 12, len(want), compare.Default)
	require.NoError(t, err)
	defer r.Unref()

	it := r.NewIter(nil, nil)
	defer it.Close()

	var got []base.InternalKV
	for e := it.First(); e != nil; e = it.Next() {
		got = append(got, *e)
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].K.UserKey, got[i].K.UserKey)
		assert.Equal(t, want[i].V, got[i].V)
		assert.Equal(t, want[i].SeqNum(), got[i].SeqNum())
	}
}

// TestRunMayContainBloom checks the bloom filter rejects a key that was
// never written far more often than it false-positives (spec.md §4.3).
func TestRunMayContainBloom(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 2, 4096)
	require.NoError(t, err)
	require.NoError(t, w.Add(kv("present", "x", 1), RowPrimary))
	_, err = w.Finish(0.01)
	require.NoError(t, err)

	r, err := Open(dir, 2, 1, 1, 1, compare.Default)
	require.NoError(t, err)
	defer r.Unref()

	assert.True(t, r.MayContain([]byte("present")))
	assert.False(t, r.MayContain([]byte("absent")))
	assert.False(t, r.MayContain([]byte("also-absent")))
}

// TestBloomSpectrumMeetsBound checks the spectrum search picks a table whose
// estimated false-positive rate satisfies the configured bound (spec.md
// §4.3: "the bloom with the smallest table that satisfies the configured
// false-positive-rate bound is chosen") and that the encoding round-trips.
func TestBloomSpectrumMeetsBound(t *testing.T) {
	hashes := make([]uint64, 0, 1000)
	for i := 0; i < 1000; i++ {
		hashes = append(hashes, bloomHash([]byte{byte(i), byte(i >> 8)}))
	}
	f := buildBloom(hashes, 0.01)
	require.NotNil(t, f)
	assert.LessOrEqual(t, estimatedFPR(f.nbits, f.hashes, len(hashes)), 0.01)

	encoded, err := f.encode()
	require.NoError(t, err)
	decoded, err := decodeBloom(encoded)
	require.NoError(t, err)
	assert.Equal(t, f.nbits, decoded.nbits)
	assert.Equal(t, f.hashes, decoded.hashes)
	for _, h := range hashes {
		assert.True(t, decoded.has(h))
	}
}

// TestWriterEmptyRunSkipped exercises spec.md §4.3: "A run is considered
// empty (keys=0) if the writer produced no pages" and Finish discards the
// temp files rather than renaming them.
func TestWriterEmptyRunSkipped(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 3, 4096)
	require.NoError(t, err)

	info, err := w.Finish(0.01)
	require.NoError(t, err)
	assert.Equal(t, 0, info.PageCount)

	runPath, indexPath := Paths(dir, 3)
	_, err = Open(dir, 3, 0, 0, 0, compare.Default)
	assert.Error(t, err, "no .index file should have been created for an empty run")
	_ = runPath
	_ = indexPath
}

// TestMidpointKey checks the split midpoint approximation (spec.md §4.1:
// "approximated by the middle page's min-key").
func TestMidpointKey(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 4, 1) // pageSize=1 forces one row per page
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, w.Add(kv(k, "v", 1), RowPrimary))
	}
	_, err = w.Finish(0.01)
	require.NoError(t, err)

	r, err := Open(dir, 4, 1, 1, 5, compare.Default)
	require.NoError(t, err)
	defer r.Unref()

	require.Equal(t, 5, r.PageCount())
	assert.Equal(t, []byte("c"), r.MidpointKey())
}
