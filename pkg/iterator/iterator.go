package iterator

import (
	"io"

	"boulder/internal/base"
)

// Iterator is the cursor contract every source in the engine's iterator
// stack exposes: a mem's skiplist, a run's page reader, and the merge
// iterator built on top of both. Positioning follows the usual
// seek/first/last/step shape without any prefix or flags machinery, which
// this engine has no use for.
type Iterator interface {
	// SeekGE moves to the first entry whose key is >= key.
	SeekGE(key []byte) *base.InternalKV
	// SeekLT moves to the last entry whose key is < key.
	SeekLT(key []byte) *base.InternalKV
	First() *base.InternalKV
	Last() *base.InternalKV
	Next() *base.InternalKV
	Prev() *base.InternalKV
	io.Closer
}
