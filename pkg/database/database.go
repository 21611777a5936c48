// Package database implements the mirror's block store: a flat, fixed-size
// block database a responder serves reads from, plus the client-side helper
// that reassembles a requested file from the blocks a Reconstructor has
// finished delivering.
package database

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/reconstruct"
)

// BlockSource is the read side of a block database, implemented by both
// FileDatabase and MemoryDatabase, and consumed by the XOR responder.
type BlockSource interface {
	BlockSize() uint64
	BlockCount() uint64
	ReadBlock(index uint64) ([]byte, error)
}

// FileDatabase serves fixed-size blocks from a single flat file on disk,
// matching the reference tooling's on-disk database layout.
type FileDatabase struct {
	mu         sync.Mutex
	f          *os.File
	blockSize  uint64
	blockCount uint64
}

// OpenFileDatabase opens path as a flat block database of the given block
// size, validating the file is an exact multiple of blockSize.
func OpenFileDatabase(path string, blockSize uint64) (*FileDatabase, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("database: blocksize must be positive")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("database: stat %s: %w", path, err)
	}
	size := uint64(info.Size())
	if size%blockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("database: %s size %d is not a multiple of blocksize %d", path, size, blockSize)
	}
	return &FileDatabase{f: f, blockSize: blockSize, blockCount: size / blockSize}, nil
}

// BlockSize returns the fixed size of every block in bytes.
func (d *FileDatabase) BlockSize() uint64 { return d.blockSize }

// BlockCount returns the total number of blocks in the database.
func (d *FileDatabase) BlockCount() uint64 { return d.blockCount }

// ReadBlock reads the block at index from disk.
func (d *FileDatabase) ReadBlock(index uint64) ([]byte, error) {
	if index >= d.blockCount {
		return nil, fmt.Errorf("database: block index %d out of range [0,%d)", index, d.blockCount)
	}
	buf := make([]byte, d.blockSize)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(index*d.blockSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("database: seek: %w", err)
	}
	if _, err := io.ReadFull(d.f, buf); err != nil {
		return nil, fmt.Errorf("database: read block %d: %w", index, err)
	}
	return buf, nil
}

// Close closes the underlying file.
func (d *FileDatabase) Close() error {
	return d.f.Close()
}

// MemoryDatabase is an in-memory BlockSource, used by tests so an
// end-to-end run never needs a file on disk.
type MemoryDatabase struct {
	blockSize uint64
	blocks    [][]byte
}

// NewMemoryDatabase builds a MemoryDatabase that serves the given blocks,
// all of which must be exactly blockSize bytes.
func NewMemoryDatabase(blockSize uint64, blocks [][]byte) (*MemoryDatabase, error) {
	for i, b := range blocks {
		if uint64(len(b)) != blockSize {
			return nil, fmt.Errorf("database: block %d has size %d, want %d", i, len(b), blockSize)
		}
	}
	return &MemoryDatabase{blockSize: blockSize, blocks: blocks}, nil
}

// BlockSize returns the fixed size of every block in bytes.
func (d *MemoryDatabase) BlockSize() uint64 { return d.blockSize }

// BlockCount returns the total number of blocks in the database.
func (d *MemoryDatabase) BlockCount() uint64 { return uint64(len(d.blocks)) }

// ReadBlock returns a copy of the block at index.
func (d *MemoryDatabase) ReadBlock(index uint64) ([]byte, error) {
	if index >= uint64(len(d.blocks)) {
		return nil, fmt.Errorf("database: block index %d out of range [0,%d)", index, len(d.blocks))
	}
	out := make([]byte, d.blockSize)
	copy(out, d.blocks[index])
	return out, nil
}

// ExtractFile reassembles a file's bytes out of a set of already-reconstructed
// blocks. blocks must contain every block index BlocksForFile(name) reports;
// a missing block is a caller error (the scheduler should not have returned
// success without it) and is reported rather than silently skipped.
func ExtractFile(m *manifest.Manifest, name string, blocks map[uint64][]byte) ([]byte, error) {
	var target manifest.FileInfo
	found := false
	for _, f := range m.Files() {
		if f.Name == name {
			target = f
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", manifest.ErrFileNotFound, name)
	}

	first, last, err := m.BlocksForFile(name)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, target.Length)
	blockSize := m.BlockSize()
	for idx := first; idx <= last; idx++ {
		b, ok := blocks[idx]
		if !ok {
			return nil, fmt.Errorf("database: missing block %d required by file %q", idx, name)
		}
		out = append(out, b...)
	}

	// Trim to the file's exact byte range: the first and last block may
	// extend beyond the file on either side when other files share them.
	startWithinFirst := target.Offset - first*blockSize
	if startWithinFirst > uint64(len(out)) || startWithinFirst+target.Length > uint64(len(out)) {
		return nil, fmt.Errorf("database: reassembled data too short for file %q", name)
	}
	data := out[startWithinFirst : startWithinFirst+target.Length]

	if !m.VerifyFileHash(name, data) {
		return nil, fmt.Errorf("%w: %q", reconstruct.ErrFileHashMismatch, name)
	}
	return data, nil
}
