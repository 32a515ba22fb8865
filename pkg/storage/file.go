// Package storage supplies the directio block-aligned file I/O that both
// run files and the write-ahead log are built on (spec.md §4.3, §6).
package storage

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// Writer is a wrapper around a directio file. Writes are padded up to a
// multiple of the block size, since O_DIRECT requires block-aligned I/O.
type Writer struct {
	file  *os.File
	block int
}

var blockOnce sync.Once
var blockSize int

// BlockSize returns the directio block-alignment size writers and readers
// pad to, used by callers (the run writer) that need to track byte offsets
// in block units without duplicating directio's constant.
func BlockSize() int {
	blockOnce.Do(func() {
		blockSize = len(directio.AlignedBlock(directio.BlockSize))
	})
	return blockSize
}

// NewWriter opens name with O_DIRECT and flag, creating a block-aligned
// Writer atop it.
func NewWriter(name string, flag int) (*Writer, error) {
	file, err := directio.OpenFile(name, flag, 0644)
	if err != nil {
		return nil, err
	}

	blockOnce.Do(func() {
		blockSize = len(directio.AlignedBlock(directio.BlockSize))
	})

	return &Writer{file: file, block: blockSize}, nil
}

var _ io.WriteCloser = (*Writer)(nil)

// Write writes buf in multiples of the block size, padding the final
// partial block with zeroes. It returns the number of whole blocks written,
// which callers use to track a run's byte offset in block units.
func (f *Writer) Write(buf []byte) (blocksWritten int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}

	blocks := len(buf) / f.block
	rem := len(buf) % f.block

	if rem == 0 {
		if _, err = f.file.Write(buf); err != nil {
			return 0, err
		}
		return blocks, nil
	}

	if blocks > 0 {
		if _, err = f.file.Write(buf[:blocks*f.block]); err != nil {
			return 0, err
		}
	}

	last := directio.AlignedBlock(f.block)
	copy(last, buf[blocks*f.block:])
	if _, err = f.file.Write(last); err != nil {
		return blocks, err
	}

	return blocks + 1, nil
}

// Sync flushes the file to stable storage, used after writing a run's final
// page so RUN_INFO is never observed before its pages are durable.
func (f *Writer) Sync() error {
	return f.file.Sync()
}

// Close closes the underlying file.
func (f *Writer) Close() error {
	return f.file.Close()
}

// Name returns the path of the file being written.
func (f *Writer) Name() string {
	return f.file.Name()
}
