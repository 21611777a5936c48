package responder

import (
	"bytes"
	"testing"

	"github.com/WebFirstLanguage/raidpir/pkg/bitvector"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/database"
	"github.com/WebFirstLanguage/raidpir/pkg/query"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

func makeDatabase(t *testing.T, blockSize, blockCount int) *database.MemoryDatabase {
	t.Helper()
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = bytes.Repeat([]byte{byte(i)}, blockSize)
	}
	db, err := database.NewMemoryDatabase(uint64(blockSize), blocks)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestAnswerPlain(t *testing.T) {
	db := makeDatabase(t, 16, 8)
	s := New(db, 0)

	v := bitvector.New(8)
	v.Set(3)
	v.Set(5)
	out, err := s.Answer(&wireproto.MirrorQuery{Type: constants.RequestPlain, Plain: []*bitvector.BitVector{v}})
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 16)
	for i := range want {
		want[i] = 3 ^ 5
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 result block, got %d", len(out))
	}
	if !bytes.Equal(out[0], want) {
		t.Fatalf("got %v, want %v", out[0], want)
	}
}

// TestAnswerPlainReturnsOneBlockPerBundledVector covers the multi-block plain
// mode case: one MirrorQuery bundles a vector per requested block, and the
// responder must return one reply block per vector, in the same order, so
// the reconstructor can match each reply to the right block by slot.
func TestAnswerPlainReturnsOneBlockPerBundledVector(t *testing.T) {
	db := makeDatabase(t, 16, 8)
	s := New(db, 0)

	v0 := bitvector.New(8)
	v0.Set(2)
	v1 := bitvector.New(8)
	v1.Set(6)
	out, err := s.Answer(&wireproto.MirrorQuery{Type: constants.RequestPlain, Plain: []*bitvector.BitVector{v0, v1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 result blocks, got %d", len(out))
	}
	if !bytes.Equal(out[0], bytes.Repeat([]byte{2}, 16)) {
		t.Fatalf("slot 0: got %v", out[0])
	}
	if !bytes.Equal(out[1], bytes.Repeat([]byte{6}, 16)) {
		t.Fatalf("slot 1: got %v", out[1])
	}
}

func TestAnswerMatchesQueryBuilderChunked(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2
	db := makeDatabase(t, blockSize, blockCount)

	round, err := query.Build(query.Options{K: k, R: r}, blockCount, []uint64{5, 37}, bytes.NewReader(make([]byte, 8192)))
	if err != nil {
		t.Fatal(err)
	}
	s := New(db, k)

	responses := make(map[int][]byte, k)
	for _, req := range round.Requests {
		out, err := s.Answer(req.Query)
		if err != nil {
			t.Fatal(err)
		}
		responses[req.Mirror] = out[0]
	}

	for _, b := range []uint64{5, 37} {
		acc := make([]byte, blockSize)
		for _, contrib := range round.Plan[b] {
			resp := responses[contrib.Mirror]
			for i := range acc {
				acc[i] ^= resp[i]
			}
		}
		want := bytes.Repeat([]byte{byte(b)}, blockSize)
		if !bytes.Equal(acc, want) {
			t.Fatalf("block %d: got %v, want %v", b, acc, want)
		}
	}
}

func TestAnswerMatchesQueryBuilderSeeded(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2
	db := makeDatabase(t, blockSize, blockCount)

	round, err := query.Build(query.Options{K: k, R: r, RNG: true}, blockCount, []uint64{5, 37}, bytes.NewReader(make([]byte, 8192)))
	if err != nil {
		t.Fatal(err)
	}
	s := New(db, k)

	responses := make(map[int][]byte, k)
	for _, req := range round.Requests {
		out, err := s.Answer(req.Query)
		if err != nil {
			t.Fatal(err)
		}
		responses[req.Mirror] = out[0]
	}

	for _, b := range []uint64{5, 37} {
		acc := make([]byte, blockSize)
		for _, contrib := range round.Plan[b] {
			resp := responses[contrib.Mirror]
			for i := range acc {
				acc[i] ^= resp[i]
			}
		}
		want := bytes.Repeat([]byte{byte(b)}, blockSize)
		if !bytes.Equal(acc, want) {
			t.Fatalf("block %d: got %v, want %v", b, acc, want)
		}
	}
}

func TestAnswerSeededParallelReturnsOneBlockPerTuple(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2
	db := makeDatabase(t, blockSize, blockCount)

	round, err := query.Build(query.Options{K: k, R: r, RNG: true, Parallel: true}, blockCount, []uint64{0, 1, 2}, bytes.NewReader(make([]byte, 8192)))
	if err != nil {
		t.Fatal(err)
	}
	s := New(db, k)

	responses := make(map[int][][]byte, k)
	for _, req := range round.Requests {
		out, err := s.Answer(req.Query)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != len(req.Query.Parallel) {
			t.Fatalf("mirror %d: expected %d result blocks, got %d", req.Mirror, len(req.Query.Parallel), len(out))
		}
		responses[req.Mirror] = out
	}

	for _, b := range []uint64{0, 1, 2} {
		acc := make([]byte, blockSize)
		for _, contrib := range round.Plan[b] {
			resp := responses[contrib.Mirror][contrib.Slot]
			for i := range acc {
				acc[i] ^= resp[i]
			}
		}
		want := bytes.Repeat([]byte{byte(b)}, blockSize)
		if !bytes.Equal(acc, want) {
			t.Fatalf("block %d: got %v, want %v", b, acc, want)
		}
	}
}

func TestAnswerRejectsChunkedWithoutK(t *testing.T) {
	db := makeDatabase(t, 16, 64)
	s := New(db, 0)
	_, err := s.Answer(&wireproto.MirrorQuery{Type: constants.RequestChunked, Chunks: []wireproto.ChunkVector{
		{ChunkIndex: 0, Vector: bitvector.New(16)},
	}})
	if err == nil {
		t.Fatal("expected error for chunked request with no configured k")
	}
}
