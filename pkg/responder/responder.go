// Package responder implements the server side of the mirror protocol: for
// each MirrorQuery read off a connection, XOR the indicated database blocks
// together and reply (§4.X).
package responder

import (
	"errors"
	"fmt"
	"io"

	"github.com/WebFirstLanguage/raidpir/pkg/bitvector"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
	"github.com/WebFirstLanguage/raidpir/pkg/database"
	"github.com/WebFirstLanguage/raidpir/pkg/prng"
	"github.com/WebFirstLanguage/raidpir/pkg/wireproto"
)

// Responder answers MirrorQuery requests against a fixed BlockSource. It is
// stateless across requests on the same connection: any sequence of
// requests in any order produces the same replies.
//
// k configures whether this deployment serves chunked-family requests at
// all; the chunk layout itself is derived per request from the query's own
// ChunkCount, not from k, because a scheduler's failover retry rebuilds a
// round against a shrinking live mirror set and therefore against a
// smaller chunk partition than this mirror was started with.
type Responder struct {
	db database.BlockSource
	k  int
}

// New returns a Responder serving blocks from db. k may be 0 if the
// responder will only ever see plain (type 0) requests; any positive value
// otherwise just enables serving the chunked request family, since the
// authoritative chunk count for a given request travels with the request.
func New(db database.BlockSource, k int) *Responder {
	return &Responder{db: db, k: k}
}

func (s *Responder) layout(chunkCount int) (bitvector.ChunkLayout, error) {
	if s.k == 0 {
		return bitvector.ChunkLayout{}, fmt.Errorf("responder: chunked request received but no mirror count k configured")
	}
	if chunkCount == 0 {
		return bitvector.ChunkLayout{}, fmt.Errorf("responder: chunked request missing chunk count")
	}
	return bitvector.NewChunkLayout(chunkCount, int(s.db.BlockCount()))
}

// Answer computes the reply blocks for one MirrorQuery.
func (s *Responder) Answer(q *wireproto.MirrorQuery) ([][]byte, error) {
	switch q.Type {
	case constants.RequestPlain:
		if len(q.Plain) == 0 {
			return nil, fmt.Errorf("responder: plain request missing vectors")
		}
		out := make([][]byte, len(q.Plain))
		for i, v := range q.Plain {
			b, err := s.xorPlain(v)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case constants.RequestChunked:
		b, err := s.xorChunks(q.Chunks, int(q.ChunkCount))
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	case constants.RequestSeeded:
		if q.Seeded == nil {
			return nil, fmt.Errorf("responder: seeded request missing body")
		}
		b, err := s.xorSeeded(*q.Seeded, int(q.ChunkCount))
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	case constants.RequestSeededParallel:
		out := make([][]byte, len(q.Parallel))
		for i, sb := range q.Parallel {
			b, err := s.xorSeeded(sb, int(q.ChunkCount))
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("responder: unknown request type %d", q.Type)
	}
}

func (s *Responder) newAccumulator() []byte {
	return make([]byte, s.db.BlockSize())
}

func (s *Responder) xorInto(acc []byte, blockIndex int) error {
	if blockIndex < 0 || uint64(blockIndex) >= s.db.BlockCount() {
		return fmt.Errorf("responder: block index %d out of range", blockIndex)
	}
	block, err := s.db.ReadBlock(uint64(blockIndex))
	if err != nil {
		return fmt.Errorf("responder: read block %d: %w", blockIndex, err)
	}
	if len(block) != len(acc) {
		return fmt.Errorf("responder: block %d length %d != blocksize %d", blockIndex, len(block), len(acc))
	}
	for i := range acc {
		acc[i] ^= block[i]
	}
	return nil
}

func (s *Responder) xorPlain(v *bitvector.BitVector) ([]byte, error) {
	acc := s.newAccumulator()
	for i := 0; i < v.Len(); i++ {
		if v.Test(i) {
			if err := s.xorInto(acc, i); err != nil {
				return nil, err
			}
		}
	}
	return acc, nil
}

// xorChunkVector XORs the blocks indicated by a chunk-local vector into
// acc, mapping local bit i to database block byteOffset*8+i.
func (s *Responder) xorChunkVector(acc []byte, byteOffset int, v *bitvector.BitVector) error {
	base := byteOffset * 8
	for i := 0; i < v.Len(); i++ {
		if v.Test(i) {
			if err := s.xorInto(acc, base+i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Responder) xorChunks(chunks []wireproto.ChunkVector, chunkCount int) ([]byte, error) {
	layout, err := s.layout(chunkCount)
	if err != nil {
		return nil, err
	}
	acc := s.newAccumulator()
	for _, cv := range chunks {
		start, _, err := layout.ByteRange(int(cv.ChunkIndex))
		if err != nil {
			return nil, fmt.Errorf("responder: %w", err)
		}
		if err := s.xorChunkVector(acc, start, cv.Vector); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (s *Responder) xorSeeded(sb wireproto.SeededBody, chunkCount int) ([]byte, error) {
	layout, err := s.layout(chunkCount)
	if err != nil {
		return nil, err
	}
	acc := s.newAccumulator()

	homeStart, _, err := layout.ByteRange(int(sb.Home.ChunkIndex))
	if err != nil {
		return nil, fmt.Errorf("responder: %w", err)
	}
	if err := s.xorChunkVector(acc, homeStart, sb.Home.Vector); err != nil {
		return nil, err
	}

	for _, o := range sb.Others {
		start, end, err := layout.ByteRange(int(o.ChunkIndex))
		if err != nil {
			return nil, fmt.Errorf("responder: %w", err)
		}
		expanded, err := prng.Expand(o.Seed, (end-start)*8)
		if err != nil {
			return nil, fmt.Errorf("responder: expand seed for chunk %d: %w", o.ChunkIndex, err)
		}
		if err := s.xorChunkVector(acc, start, expanded); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Serve handles one persistent connection using s to answer requests,
// looping until the connection closes or a read error occurs. Requests are
// answered immediately regardless of their batch flag: batching is a
// client-side pipelining hint about when to start reading replies, not a
// directive the responder must buffer against.
func Serve(s *Responder, conn io.ReadWriter) error {
	r := wireproto.NewReader(conn)
	for {
		q, err := wireproto.ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("responder: read request: %w", err)
		}
		blocks, err := s.Answer(q)
		if err != nil {
			if werr := wireproto.WriteErrorResponse(conn, constants.ErrorProtocolError); werr != nil {
				return werr
			}
			continue
		}
		if err := wireproto.WriteResponse(conn, blocks, int(s.db.BlockSize())); err != nil {
			return fmt.Errorf("responder: write response: %w", err)
		}
	}
}
