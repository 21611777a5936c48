// Package reconstruct combines mirror responses back into requested
// blocks, tracking each block's running XOR accumulator until every
// planned contribution has arrived (§4.R).
package reconstruct

import (
	"fmt"
	"sync"

	"github.com/WebFirstLanguage/raidpir/pkg/manifest"
	"github.com/WebFirstLanguage/raidpir/pkg/query"
)

// ErrBlockHashMismatch is returned when a finished block fails its
// manifest-recorded hash.
var ErrBlockHashMismatch = fmt.Errorf("reconstruct: block hash mismatch")

// ErrFileHashMismatch is returned when a fully reassembled file fails its
// manifest-recorded whole-file hash (checked by pkg/database.ExtractFile,
// which sits downstream of reconstruction and extraction — named here
// because it is this package's per-block ErrBlockHashMismatch's sibling in
// the protocol's integrity-error set, §7).
var ErrFileHashMismatch = fmt.Errorf("reconstruct: file hash mismatch")

type entry struct {
	acc       []byte
	remaining int
}

// Reconstructor accumulates mirror responses per block until each block's
// plan is fully satisfied. Safe for concurrent use by multiple workers
// applying responses from different mirrors.
type Reconstructor struct {
	mu        sync.Mutex
	blockSize int
	plan      query.Plan
	blocks    map[uint64]*entry
	done      map[uint64][]byte
	m         *manifest.Manifest // optional; nil disables hash verification
}

// New creates a Reconstructor for plan, expecting blockSize-byte
// contributions. m may be nil to skip integrity verification (e.g. when
// the manifest carries no per-block hashes).
func New(plan query.Plan, blockSize int, m *manifest.Manifest) *Reconstructor {
	blocks := make(map[uint64]*entry, len(plan))
	for b, contribs := range plan {
		blocks[b] = &entry{acc: make([]byte, blockSize), remaining: len(contribs)}
	}
	return &Reconstructor{
		blockSize: blockSize,
		plan:      plan,
		blocks:    blocks,
		done:      make(map[uint64][]byte),
		m:         m,
	}
}

// Apply folds one mirror's response into every block whose plan includes a
// contribution from mirror at the given slot. Returns the set of block
// indices that became finished as a result (usually at most one, except
// when a single reply contributes to more than one block's plan).
func (r *Reconstructor) Apply(mirror, slot int, data []byte) ([]uint64, error) {
	if len(data) != r.blockSize {
		return nil, fmt.Errorf("reconstruct: response length %d != blocksize %d", len(data), r.blockSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var finished []uint64
	for b, contribs := range r.plan {
		e, ok := r.blocks[b]
		if !ok {
			continue // already finished and cleared
		}
		matched := false
		for _, c := range contribs {
			if c.Mirror == mirror && c.Slot == slot {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for i := range e.acc {
			e.acc[i] ^= data[i]
		}
		e.remaining--
		if e.remaining == 0 {
			if err := r.finish(b, e.acc); err != nil {
				return finished, err
			}
			finished = append(finished, b)
		}
	}
	return finished, nil
}

func (r *Reconstructor) finish(b uint64, data []byte) error {
	if r.m != nil {
		if !r.m.VerifyBlockHash(b, data) {
			return fmt.Errorf("%w: block %d", ErrBlockHashMismatch, b)
		}
	}
	out := make([]byte, len(data))
	copy(out, data)
	r.done[b] = out
	delete(r.blocks, b)
	return nil
}

// Finished reports whether every planned block has been reconstructed.
func (r *Reconstructor) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks) == 0
}

// Block returns a finished block's bytes, or false if it is not yet
// reconstructed.
func (r *Reconstructor) Block(b uint64) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.done[b]
	return data, ok
}

// Blocks returns all finished blocks so far.
func (r *Reconstructor) Blocks() map[uint64][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64][]byte, len(r.done))
	for b, data := range r.done {
		out[b] = data
	}
	return out
}

// Pending returns the block indices still awaiting contributions, along
// with how many each still needs. Used by the scheduler to decide whether
// a mirror failure still leaves the plan satisfiable.
func (r *Reconstructor) Pending() map[uint64]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]int, len(r.blocks))
	for b, e := range r.blocks {
		out[b] = e.remaining
	}
	return out
}
