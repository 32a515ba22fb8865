package iterator

import (
	"boulder/internal/base"
	"boulder/internal/compare"
)

// Source is the contract every merge-iterator input exposes (spec.md §4.4):
// sources are appended oldest-suppresses-newest (tx write set, cache,
// active mem, sealed mems newest-to-oldest, runs newest-to-oldest). Mutable
// sources (tx write set, cache) can change underfoot during iteration;
// immutable sources (mems, runs) cannot, but still reposition via Restore
// when a stop round left them stranded behind the emitted key.
type Source interface {
	// NextKey advances past every version of the current key, landing on
	// the first version of the next key in iteration direction. Reports
	// stop=true if this source alone answers for the key it lands on, so
	// the merge iterator must not consult later sources for it (only cache
	// hits on range boundaries ever do this; mem/run sources always report
	// false).
	NextKey() (out *base.InternalKV, stop bool)
	// NextLSN advances to the next older version of the current key, or
	// returns nil if the current key's version history has ended.
	NextLSN() *base.InternalKV
	// Restore repositions just past lastStmt, for a source that did not
	// take part in the round that emitted it — because its contents may
	// have changed, or because an earlier source's stop flag cut the round
	// short. Returns the new position and whether the position changed.
	Restore(lastStmt *base.InternalKV) (out *base.InternalKV, changed bool)
	// Mutable reports whether the source's underlying state can change
	// during iteration; the merge iterator stores the flag per source.
	Mutable() bool
	// Cleanup releases any worker-thread-only resources, keeping the
	// source alive for further Close-free reuse.
	Cleanup()
	Close() error
}

// KeyGroup is every version of one user key visible across a merge
// iterator's sources, newest LSN first (spec.md §4.3's run-reader
// ordering: "(user-key, -lsn)"), gathered by repeatedly draining NextLSN
// from whichever sources are on the current front.
type KeyGroup struct {
	Key      []byte
	Versions []base.InternalKV
}

// sourceState tracks one source's current position alongside the merge
// iterator's front-set bookkeeping and its stored mutability flag.
type sourceState struct {
	src     Source
	cur     *base.InternalKV
	onFront bool
	mutable bool
}

// MergeIterator implements spec.md §4.4's next-key algorithm: a front-id
// per round tracked per source, direction-minimum computed across sources,
// stop-flag truncation of a round at a cache boundary hit, and the
// unique-key optimisation for EQ/GE/LE full-key seeks.
type MergeIterator struct {
	cmp       compare.Compare
	ascending bool
	states    []*sourceState

	// version is the range-tree/content version captured at open; every
	// public operation is expected to be checked against a fresh read by
	// the caller (the read iterator), which re-opens on mismatch (spec.md
	// §4.4 "Version tracking").
	version uint64

	uniqueOptimization bool
	emittedOnce        bool

	lastKey []byte
}

// NewMergeIterator builds a merge iterator over sources already positioned
// at their first relevant key (spec.md §4.4's oldest-suppresses-newest
// append order is the caller's responsibility: sources[0] is the oldest
// -suppressing, i.e. highest-priority, source).
func NewMergeIterator(cmp compare.Compare, ascending bool, version uint64, sources ...Source) *MergeIterator {
	m := &MergeIterator{cmp: cmp, ascending: ascending, version: version}
	for _, s := range sources {
		st := &sourceState{src: s, mutable: s.Mutable()}
		st.cur, _ = s.NextKey()
		m.states = append(m.states, st)
	}
	return m
}

// Version returns the version this iterator was opened at.
func (m *MergeIterator) Version() uint64 { return m.version }

// SetUniqueOptimization enables spec.md §4.4's "on first hit the iterator
// will stop, emitting only that key" behavior for EQ/GE/LE seeks against a
// full-part key.
func (m *MergeIterator) SetUniqueOptimization(on bool) { m.uniqueOptimization = on }

func (m *MergeIterator) less(a, b []byte) bool {
	c := m.cmp(a, b)
	if m.ascending {
		return c < 0
	}
	return c > 0
}

// lagging reports whether cur sits at or before the last emitted key in
// iteration direction — the position of a source stranded by a stop round.
func (m *MergeIterator) lagging(cur *base.InternalKV) bool {
	if cur == nil || m.lastKey == nil {
		return false
	}
	c := m.cmp(cur.K.UserKey, m.lastKey)
	if m.ascending {
		return c <= 0
	}
	return c >= 0
}

// NextKeyGroup advances to the next distinct key in iteration direction
// and returns every version of it gathered across the consulted sources,
// newest LSN first, or nil when every source is exhausted.
func (m *MergeIterator) NextKeyGroup() *KeyGroup {
	if m.uniqueOptimization && m.emittedOnce {
		return nil
	}

	var last *base.InternalKV
	if m.lastKey != nil {
		last = &base.InternalKV{K: base.InternalKey{UserKey: m.lastKey}}
	}

	// Advance in priority order: sources on the prior front step past the
	// emitted key with NextKey, skipped sources reposition with Restore. A
	// source raising stop ends the round — later sources are not consulted
	// for the key it landed on (spec.md §4.4).
	consulted := len(m.states)
	for i, st := range m.states {
		if st.onFront {
			out, stop := st.src.NextKey()
			st.cur = out
			if stop && out != nil {
				consulted = i + 1
				break
			}
			continue
		}
		if last == nil {
			continue
		}
		if st.mutable || m.lagging(st.cur) {
			if out, changed := st.src.Restore(last); changed {
				st.cur = out
			}
		}
	}

	// Direction-minimum among the consulted sources only; sources past a
	// stop truncation keep their positions and are restored next round.
	var minKey []byte
	found := false
	for _, st := range m.states[:consulted] {
		if st.cur == nil {
			continue
		}
		if !found || m.less(st.cur.K.UserKey, minKey) {
			minKey = st.cur.K.UserKey
			found = true
		}
	}
	for _, st := range m.states {
		st.onFront = false
	}
	if !found {
		return nil
	}

	group := &KeyGroup{Key: append([]byte(nil), minKey...)}
	for _, st := range m.states[:consulted] {
		if st.cur == nil || m.cmp(st.cur.K.UserKey, minKey) != 0 {
			continue
		}
		st.onFront = true
		for v := st.cur; v != nil; v = st.src.NextLSN() {
			if m.cmp(v.K.UserKey, minKey) != 0 {
				break
			}
			group.Versions = append(group.Versions, *v)
		}
	}
	sortVersionsByLSNDesc(group.Versions)

	m.lastKey = group.Key
	m.emittedOnce = true
	return group
}

func sortVersionsByLSNDesc(vs []base.InternalKV) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].SeqNum() > vs[j-1].SeqNum(); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

// Cleanup releases worker-thread resources on every source.
func (m *MergeIterator) Cleanup() {
	for _, st := range m.states {
		st.src.Cleanup()
	}
}

// Close releases every source.
func (m *MergeIterator) Close() error {
	var first error
	for _, st := range m.states {
		if err := st.src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
