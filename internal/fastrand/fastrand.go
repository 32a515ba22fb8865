// Package fastrand provides a cheap, non-cryptographic random source for
// the skiplist's tower-height coin flips: a single process-wide xorshift32
// state guarded by a mutex. It exists solely because internal/skiplist
// needs a few random bits per insert, not because any correctness property
// depends on the distribution.
package fastrand

import (
	"math/rand/v2"
	"sync"
)

var (
	mu    sync.Mutex
	state uint32
)

func init() {
	state = rand.Uint32() | 1
}

// Uint32 returns the next pseudo-random value from a xorshift32 generator.
// It is safe for concurrent use but not contention-free; callers that need
// higher throughput should keep their own per-goroutine state.
func Uint32() uint32 {
	mu.Lock()
	defer mu.Unlock()
	state ^= state << 13
	state ^= state >> 17
	state ^= state << 5
	return state
}
