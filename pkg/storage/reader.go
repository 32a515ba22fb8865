package storage

import (
	"io"
	"os"

	"github.com/ncw/directio"
)

// Reader is a block-aligned, O_DIRECT reader over a run file. Pages are
// read by absolute byte offset (always a multiple of the block size) and
// length, rounded up to the next whole block, matching how Writer pads on
// the way out.
type Reader struct {
	file  *os.File
	block int
}

// NewReader opens name read-only with O_DIRECT.
func NewReader(name string) (*Reader, error) {
	file, err := directio.OpenFile(name, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	blockOnce.Do(func() {
		blockSize = len(directio.AlignedBlock(directio.BlockSize))
	})

	return &Reader{file: file, block: blockSize}, nil
}

// ReadAt reads length bytes (rounded up to a block boundary) starting at
// the given block-aligned offset, returning exactly length usable bytes.
func (r *Reader) ReadAt(offset int64, length int) ([]byte, error) {
	readLen := length
	if rem := readLen % r.block; rem != 0 {
		readLen += r.block - rem
	}

	buf := directio.AlignedBlock(readLen)
	n, err := r.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n < length {
		return nil, io.ErrUnexpectedEOF
	}

	return buf[:length], nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
