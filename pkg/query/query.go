// Package query builds the per-mirror MirrorQuery set and the matching
// ReconstructionPlan for a set of requested block indices, in each of the
// four request modes (plain, chunked, seeded, seeded-parallel).
package query

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"

	"github.com/WebFirstLanguage/raidpir/pkg/bitvector"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/prng"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

// ErrParameter is returned for any of the parameter violations enumerated in
// the protocol's ParameterError kind: k<2, r<2, r>k, chunk mode with
// blockcount<8k, or rng/parallel requested without chunk mode.
var ErrParameter = fmt.Errorf("query: parameter error")

// ErrChunkCollision is returned when two requested blocks would land on
// chunks close enough that some mirror is responsible for both within the
// same combined round, which would XOR their contributions together
// unrecoverably. Use seeded-parallel mode, or split the request across
// multiple rounds, to retrieve colliding blocks together.
var ErrChunkCollision = fmt.Errorf("query: requested blocks collide on a shared mirror's chunk coverage")

// Mode identifies one of the four query construction strategies.
type Mode int

const (
	ModePlain Mode = iota
	ModeChunked
	ModeSeeded
	ModeSeededParallel
)

// Options selects the query construction mode and its parameters.
type Options struct {
	K        int // mirror count, >= 2
	R        int // redundancy; 0 means plain mode
	RNG      bool
	Parallel bool
	Batch    bool
}

// Mode derives the construction mode from the option flags.
func (o Options) Mode() Mode {
	if o.R == 0 {
		return ModePlain
	}
	if !o.RNG {
		return ModeChunked
	}
	if o.Parallel {
		return ModeSeededParallel
	}
	return ModeSeeded
}

// Validate checks Options against blockCount per the protocol's
// ParameterError conditions.
func Validate(o Options, blockCount int) error {
	if o.K < constants.MinMirrorCount {
		return fmt.Errorf("%w: k=%d below minimum %d", ErrParameter, o.K, constants.MinMirrorCount)
	}
	chunked := o.R != 0
	if !chunked {
		if o.RNG || o.Parallel {
			return fmt.Errorf("%w: rng/parallel require chunk mode (r must be set)", ErrParameter)
		}
		return nil
	}
	if o.R < constants.MinRedundancy {
		return fmt.Errorf("%w: r=%d below minimum %d", ErrParameter, o.R, constants.MinRedundancy)
	}
	if o.R > o.K {
		return fmt.Errorf("%w: r=%d exceeds k=%d", ErrParameter, o.R, o.K)
	}
	if blockCount < 8*o.K {
		return fmt.Errorf("%w: blockcount=%d too small for k=%d chunks (need >= 8k)", ErrParameter, blockCount, o.K)
	}
	return nil
}

// Contribution identifies one mirror response that must be XORed into a
// block's reconstruction accumulator.
type Contribution struct {
	Mirror int
	// Slot indexes the result block within a mirror's reply. Always 0
	// except for plain and seeded-parallel replies, which carry one result
	// per bundled vector or sub-request in submission order.
	Slot int
}

// Plan maps each requested block index to the mirror contributions that
// must be XORed to reconstruct it.
type Plan map[uint64][]Contribution

// MirrorRequest is one MirrorQuery destined for a specific mirror.
type MirrorRequest struct {
	Mirror int
	Query  *wireproto.MirrorQuery
}

// Round is everything needed to carry out one retrieval: the requests to
// send each participating mirror, and the plan for reconstructing results.
type Round struct {
	Requests []MirrorRequest
	Plan     Plan
}

// Build constructs the per-mirror queries and reconstruction plan for
// blocks, which must be supplied in ascending order (the protocol's
// tie-breaking rule). randSource supplies randomness for query padding and
// is normally crypto/rand.Reader; tests may substitute a fixed source for
// reproducibility.
func Build(opts Options, blockCount int, blocks []uint64, randSource io.Reader) (*Round, error) {
	if err := Validate(opts, blockCount); err != nil {
		return nil, err
	}
	if randSource == nil {
		randSource = rand.Reader
	}
	if !sort.SliceIsSorted(blocks, func(i, j int) bool { return blocks[i] < blocks[j] }) {
		return nil, fmt.Errorf("query: blocks must be supplied in ascending order")
	}

	switch opts.Mode() {
	case ModePlain:
		return buildPlain(opts, blockCount, blocks, randSource)
	case ModeChunked:
		return buildChunked(opts, blockCount, blocks, randSource)
	case ModeSeeded:
		return buildSeeded(opts, blockCount, blocks, randSource)
	case ModeSeededParallel:
		return buildSeededParallel(opts, blockCount, blocks, randSource)
	default:
		return nil, fmt.Errorf("query: unknown mode")
	}
}

func randomVector(n int, r io.Reader) (*bitvector.BitVector, error) {
	buf := make([]byte, bitvector.ByteLen(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("query: read randomness: %w", err)
	}
	return bitvector.FromBytes(buf, n)
}

func randomSeed(r io.Reader) ([]byte, error) {
	seed := make([]byte, constants.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("query: read seed: %w", err)
	}
	return seed, nil
}

// buildPlain builds one full-length round per requested block (k-1 random
// BitVectors plus a kth vector that is their XOR combined with the single
// target bit, so that XORing all k mirror responses recovers exactly that
// block — §4.Q plain mode) and bundles every block's round for a given
// mirror into a single MirrorQuery carrying one BitVector per requested
// block, in the same ascending order as blocks.
//
// Each block's round must keep its own reply identity: Plan's Contribution
// for block blocks[i] is {Mirror: m, Slot: i} for every mirror, matching the
// reply slot Responder.Answer returns for the i-th vector in that mirror's
// Plain list. A single shared Slot (0) across every block — as an earlier
// version of this function used — would cause Reconstructor.Apply to fold
// every mirror's reply into every requested block's accumulator, not just
// the one it was computed for, corrupting any request of more than one
// block in the default (no-chunking) mode.
func buildPlain(opts Options, blockCount int, blocks []uint64, rnd io.Reader) (*Round, error) {
	round := &Round{Plan: Plan{}}
	perMirror := make([][]*bitvector.BitVector, opts.K)

	for i, b := range blocks {
		acc := bitvector.New(blockCount)
		vectors := make([]*bitvector.BitVector, opts.K)
		for m := 0; m < opts.K-1; m++ {
			v, err := randomVector(blockCount, rnd)
			if err != nil {
				return nil, err
			}
			vectors[m] = v
			if err := acc.XorInto(v); err != nil {
				return nil, err
			}
		}
		target := bitvector.WithBitSet(blockCount, int(b))
		if err := acc.XorInto(target); err != nil {
			return nil, err
		}
		vectors[opts.K-1] = acc

		contribs := make([]Contribution, opts.K)
		for m := 0; m < opts.K; m++ {
			perMirror[m] = append(perMirror[m], vectors[m])
			contribs[m] = Contribution{Mirror: m, Slot: i}
		}
		round.Plan[b] = contribs
	}

	for m := 0; m < opts.K; m++ {
		round.Requests = append(round.Requests, MirrorRequest{
			Mirror: m,
			Query: &wireproto.MirrorQuery{
				Type:  constants.RequestPlain,
				Batch: opts.Batch,
				Plain: perMirror[m],
			},
		})
	}
	return round, nil
}

// chunkOwners returns the r mirrors responsible for chunk c, in canonical
// order: owners[0] is the deriving/owning mirror (mirror c itself);
// owners[1:] are the r-1 non-owning share-holders {c-1,...,c-r+1} mod k.
// This is the dual of "mirror j covers chunks {j,...,j+r-1} mod k" (§4.Q):
// mirror j is exactly the owner of chunk j and a non-owning contributor to
// chunks j+1..j+r-1.
func chunkOwners(c, k, r int) []int {
	owners := make([]int, r)
	for i := 0; i < r; i++ {
		owners[i] = ((c-i)%k + k) % k
	}
	return owners
}

// blockChunk maps a requested block index to its home chunk under the
// chunk layout built over the full blockCount-bit address space.
func blockChunk(layout bitvector.ChunkLayout, b uint64) int {
	return layout.ChunkOf(int(b) / 8)
}

// checkNoCollision verifies that no two distinct active chunks are within
// r-1 of each other (cyclically): if they were, some mirror would be
// responsible for both, and its single combined reply would mix the two
// blocks' contributions inseparably. Building one combined round is only
// valid when every active chunk's owner set is disjoint from every other's.
func checkNoCollision(activeChunks []int, k, r int) error {
	seen := map[int]bool{}
	for _, c := range activeChunks {
		for _, m := range chunkOwners(c, k, r) {
			if seen[m] {
				return fmt.Errorf("%w: chunk %d shares a responsible mirror with another requested block's chunk", ErrChunkCollision, c)
			}
		}
		for _, m := range chunkOwners(c, k, r) {
			seen[m] = true
		}
	}
	return nil
}

// bitPositionLocalToChunk converts block index b's global bit position to
// its bit offset within its home chunk's byte range.
func bitPositionLocalToChunk(layout bitvector.ChunkLayout, c int, b uint64) (int, error) {
	start, _, err := layout.ByteRange(c)
	if err != nil {
		return 0, err
	}
	return int(b) - start*8, nil
}

func chunkBitLen(layout bitvector.ChunkLayout, c int) (int, error) {
	start, end, err := layout.ByteRange(c)
	if err != nil {
		return 0, err
	}
	return (end - start) * 8, nil
}

// buildChunked builds the single combined round for chunked (no-RNG) mode
// (request type 3): every active chunk (the one a requested block actually
// lands in) gets an r-way XOR-share split (r-1 random vectors plus one
// derived), and each of its r owning mirrors receives the matching explicit
// ChunkVector (§4.Q chunked mode).
//
// Only active chunks are processed — not the full k-chunk structural
// coverage a mirror statically owns — because a mirror's single combined
// reply sums every ChunkVector it is sent into one accumulator. Folding in
// a chunk nobody asked for would still contribute that chunk's random share
// to the sum, and since checkNoCollision only guarantees the *active*
// chunks' owner sets are disjoint, an untouched chunk can easily share a
// mirror with the active one and leave an uncancelled random term in the
// reconstructed XOR.
func buildChunked(opts Options, blockCount int, blocks []uint64, rnd io.Reader) (*Round, error) {
	layout, err := bitvector.NewChunkLayout(opts.K, blockCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParameter, err)
	}

	active, err := activeChunkTargets(layout, blocks, opts.K, opts.R)
	if err != nil {
		return nil, err
	}

	perMirror := make(map[int][]wireproto.ChunkVector, opts.K)
	plan := Plan{}

	for _, c := range sortedChunks(active) {
		target := active[c]
		bitLen, err := chunkBitLen(layout, c)
		if err != nil {
			return nil, err
		}
		owners := chunkOwners(c, opts.K, opts.R)

		derived := bitvector.New(bitLen)
		t := bitvector.WithBitSet(bitLen, target.localBit)
		if err := derived.XorInto(t); err != nil {
			return nil, err
		}
		plan[target.block] = ownerContributions(owners)

		shares := make([]*bitvector.BitVector, opts.R)
		for i := 1; i < opts.R; i++ {
			v, err := randomVector(bitLen, rnd)
			if err != nil {
				return nil, err
			}
			shares[i] = v
			if err := derived.XorInto(v); err != nil {
				return nil, err
			}
		}
		shares[0] = derived

		for i, m := range owners {
			perMirror[m] = append(perMirror[m], wireproto.ChunkVector{
				ChunkIndex: uint16(c),
				Vector:     shares[i],
			})
		}
	}

	round := &Round{Plan: plan}
	for m := 0; m < opts.K; m++ {
		cvs := perMirror[m]
		if len(cvs) == 0 {
			continue
		}
		sort.Slice(cvs, func(i, j int) bool { return cvs[i].ChunkIndex < cvs[j].ChunkIndex })
		round.Requests = append(round.Requests, MirrorRequest{
			Mirror: m,
			Query: &wireproto.MirrorQuery{
				Type:       constants.RequestChunked,
				Batch:      opts.Batch,
				ChunkCount: uint16(opts.K),
				Chunks:     cvs,
			},
		})
	}
	return round, nil
}

// sortedChunks returns active's keys in ascending order, for deterministic
// request construction.
func sortedChunks(active map[int]chunkTarget) []int {
	out := make([]int, 0, len(active))
	for c := range active {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

func ownerContributions(owners []int) []Contribution {
	out := make([]Contribution, len(owners))
	for i, m := range owners {
		out[i] = Contribution{Mirror: m}
	}
	return out
}

type chunkTarget struct {
	block    uint64
	localBit int
}

// activeChunkTargets maps each active chunk to the single requested block
// that lands in it, validating that no two requested blocks collide under
// one combined round.
func activeChunkTargets(layout bitvector.ChunkLayout, blocks []uint64, k, r int) (map[int]chunkTarget, error) {
	active := make(map[int]chunkTarget, len(blocks))
	var chunks []int
	for _, b := range blocks {
		c := blockChunk(layout, b)
		if _, exists := active[c]; exists {
			return nil, fmt.Errorf("%w: blocks %d and another both land in chunk %d", ErrChunkCollision, b, c)
		}
		localBit, err := bitPositionLocalToChunk(layout, c, b)
		if err != nil {
			return nil, err
		}
		active[c] = chunkTarget{block: b, localBit: localBit}
		chunks = append(chunks, c)
	}
	if err := checkNoCollision(chunks, k, r); err != nil {
		return nil, err
	}
	return active, nil
}

// buildSeeded builds the single combined round for seeded (non-parallel)
// mode (request type 1): for each active chunk, its owning mirror gets an
// explicit derived vector and the other r-1 owning mirrors each get a fresh
// seed to expand locally (§4.Q seeded mode). As in buildChunked, only
// active chunks are processed — see buildChunked's doc comment for why
// folding in a mirror's untouched structural chunks would corrupt the
// combined XOR.
func buildSeeded(opts Options, blockCount int, blocks []uint64, rnd io.Reader) (*Round, error) {
	layout, err := bitvector.NewChunkLayout(opts.K, blockCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParameter, err)
	}
	active, err := activeChunkTargets(layout, blocks, opts.K, opts.R)
	if err != nil {
		return nil, err
	}

	plan := Plan{}
	homes := make(map[int]wireproto.ChunkVector, opts.K)  // mirror -> its home ChunkVector
	others := make(map[int][]wireproto.SeedChunk, opts.K) // mirror -> seeds for chunks it covers but doesn't own
	participating := make(map[int]bool, opts.K)

	for _, c := range sortedChunks(active) {
		target := active[c]
		bitLen, err := chunkBitLen(layout, c)
		if err != nil {
			return nil, err
		}
		owners := chunkOwners(c, opts.K, opts.R)

		derived := bitvector.New(bitLen)
		t := bitvector.WithBitSet(bitLen, target.localBit)
		if err := derived.XorInto(t); err != nil {
			return nil, err
		}
		plan[target.block] = ownerContributions(owners)

		for i := 1; i < opts.R; i++ {
			seed, err := randomSeed(rnd)
			if err != nil {
				return nil, err
			}
			expanded, err := prng.Expand(seed, bitLen)
			if err != nil {
				return nil, err
			}
			if err := derived.XorInto(expanded); err != nil {
				return nil, err
			}
			m := owners[i]
			others[m] = append(others[m], wireproto.SeedChunk{ChunkIndex: uint16(c), Seed: seed})
			participating[m] = true
		}

		homes[owners[0]] = wireproto.ChunkVector{ChunkIndex: uint16(c), Vector: derived}
		participating[owners[0]] = true
	}

	round := &Round{Plan: plan}
	for m := 0; m < opts.K; m++ {
		if !participating[m] {
			continue
		}
		home, ok := homes[m]
		if !ok {
			// m only holds seed shares this round, not an owned active
			// chunk; its Home field still needs a well-formed vector, so
			// send a zero vector over its own structural home chunk (an
			// all-zero XOR contribution is a no-op for reconstruction).
			bitLen, err := chunkBitLen(layout, m)
			if err != nil {
				return nil, err
			}
			home = wireproto.ChunkVector{ChunkIndex: uint16(m), Vector: bitvector.New(bitLen)}
		}
		sc := others[m]
		sort.Slice(sc, func(i, j int) bool { return sc[i].ChunkIndex < sc[j].ChunkIndex })
		round.Requests = append(round.Requests, MirrorRequest{
			Mirror: m,
			Query: &wireproto.MirrorQuery{
				Type:       constants.RequestSeeded,
				Batch:      opts.Batch,
				ChunkCount: uint16(opts.K),
				Seeded: &wireproto.SeededBody{
					Home:   home,
					Others: sc,
				},
			},
		})
	}
	return round, nil
}

// buildSeededParallel builds one independent (owner-vector, r-1 seeds)
// tuple per requested block, bundled into one MirrorQuery per mirror
// (request type 2): unlike the other chunk modes, a mirror's tuples come
// from the blocks it happens to participate in, not from its fixed chunk
// coverage, so distinct requested blocks never collide even when their
// chunks are adjacent (§4.Q seeded-parallel mode).
func buildSeededParallel(opts Options, blockCount int, blocks []uint64, rnd io.Reader) (*Round, error) {
	layout, err := bitvector.NewChunkLayout(opts.K, blockCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParameter, err)
	}

	plan := Plan{}
	tuples := make(map[int][]wireproto.SeededBody, opts.K)

	for _, b := range blocks {
		c := blockChunk(layout, b)
		bitLen, err := chunkBitLen(layout, c)
		if err != nil {
			return nil, err
		}
		localBit, err := bitPositionLocalToChunk(layout, c, b)
		if err != nil {
			return nil, err
		}
		owners := chunkOwners(c, opts.K, opts.R)

		derived := bitvector.WithBitSet(bitLen, localBit)
		contribs := make([]Contribution, opts.R)

		for i := 1; i < opts.R; i++ {
			seed, err := randomSeed(rnd)
			if err != nil {
				return nil, err
			}
			expanded, err := prng.Expand(seed, bitLen)
			if err != nil {
				return nil, err
			}
			if err := derived.XorInto(expanded); err != nil {
				return nil, err
			}
			m := owners[i]
			slot := len(tuples[m])
			tuples[m] = append(tuples[m], wireproto.SeededBody{
				Home:   wireproto.ChunkVector{ChunkIndex: uint16(c), Vector: bitvector.New(bitLen)},
				Others: []wireproto.SeedChunk{{ChunkIndex: uint16(c), Seed: seed}},
			})
			contribs[i] = Contribution{Mirror: m, Slot: slot}
		}

		owner := owners[0]
		slot := len(tuples[owner])
		tuples[owner] = append(tuples[owner], wireproto.SeededBody{
			Home:   wireproto.ChunkVector{ChunkIndex: uint16(c), Vector: derived},
			Others: nil,
		})
		contribs[0] = Contribution{Mirror: owner, Slot: slot}

		plan[b] = contribs
	}

	round := &Round{Plan: plan}
	for m := 0; m < opts.K; m++ {
		if len(tuples[m]) == 0 {
			continue
		}
		round.Requests = append(round.Requests, MirrorRequest{
			Mirror: m,
			Query: &wireproto.MirrorQuery{
				Type:       constants.RequestSeededParallel,
				Batch:      opts.Batch,
				ChunkCount: uint16(opts.K),
				Parallel:   tuples[m],
			},
		})
	}
	return round, nil
}
