package wireproto

import (
	"encoding/binary"
	"fmt"

	"github.com/WebFirstLanguage/raidpir/pkg/bitvector"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
)

// ChunkVector pairs a chunk index with the explicit bit vector a mirror
// should XOR database blocks from within that chunk's byte range.
type ChunkVector struct {
	ChunkIndex uint16
	Vector     *bitvector.BitVector
}

// SeedChunk pairs a chunk index with a seed a mirror must expand locally via
// pkg/prng to recover that chunk's contribution, rather than receiving it
// explicitly.
type SeedChunk struct {
	ChunkIndex uint16
	Seed       []byte
}

// SeededBody is the payload shape for request type 1 (seeded): one explicit
// home-chunk vector plus a list of (chunk index, seed) pairs for the
// remaining chunks the mirror is responsible for.
type SeededBody struct {
	Home   ChunkVector
	Others []SeedChunk
}

// MirrorQuery is the in-memory form of one mirror-bound request, matching
// the four shapes of spec §3/§4.Q. Exactly one of Plain, Chunks, Seeded, or
// Parallel is populated, selected by Type.
type MirrorQuery struct {
	Type  byte
	Batch bool

	// ChunkCount is the mirror count (and therefore chunk count) the
	// ChunkIndex fields below are relative to. It travels with every
	// chunked-family query rather than living as fixed mirror
	// configuration, because a scheduler's failover retry rebuilds the
	// round against a smaller live mirror set (and therefore a
	// differently-sized chunk partition) without coordinating a matching
	// reconfiguration of every still-live mirror. Unused for RequestPlain.
	ChunkCount uint16

	// Plain holds one full-length BitVector per requested block this round
	// (type 0): each vector independently reveals exactly one target block,
	// so bundling one per block — rather than one request per block — gives
	// every reply block the same positional identity its request had, the
	// way Parallel already does for type 2.
	Plain    []*bitvector.BitVector
	Chunks   []ChunkVector // type 3
	Seeded   *SeededBody   // type 1
	Parallel []SeededBody  // type 2: one independent tuple per queued block
}

// ResultCount returns the number of blockSize-byte blocks a mirror must
// return for this query: one per bundled vector/tuple for plain and
// seeded-parallel, else 1.
func (q *MirrorQuery) ResultCount() int {
	switch q.Type {
	case constants.RequestPlain:
		return len(q.Plain)
	case constants.RequestSeededParallel:
		return len(q.Parallel)
	default:
		return 1
	}
}

// Marshal encodes the query into a full request payload: type byte, flags
// byte, then the type-specific body (§6).
func (q *MirrorQuery) Marshal() ([]byte, error) {
	var body []byte
	var err error

	switch q.Type {
	case constants.RequestPlain:
		if len(q.Plain) == 0 {
			return nil, fmt.Errorf("wireproto: plain query missing vectors")
		}
		body = encodePlainBody(q.Plain)
	case constants.RequestChunked:
		body, err = encodeChunkVectors(q.Chunks)
	case constants.RequestSeeded:
		if q.Seeded == nil {
			return nil, fmt.Errorf("wireproto: seeded query missing body")
		}
		body = encodeSeededBody(*q.Seeded)
	case constants.RequestSeededParallel:
		body = encodeParallelBody(q.Parallel)
	default:
		return nil, fmt.Errorf("%w: unknown request type %d", ErrProtocol, q.Type)
	}
	if err != nil {
		return nil, err
	}
	if q.Type != constants.RequestPlain {
		prefixed := make([]byte, 2+len(body))
		binary.BigEndian.PutUint16(prefixed[0:2], q.ChunkCount)
		copy(prefixed[2:], body)
		body = prefixed
	}

	flags := byte(0)
	if q.Batch {
		flags |= constants.RequestFlagBatch
	}

	out := make([]byte, 2+len(body))
	out[0] = q.Type
	out[1] = flags
	copy(out[2:], body)
	return out, nil
}

// UnmarshalQuery decodes a full request payload produced by Marshal.
func UnmarshalQuery(data []byte) (*MirrorQuery, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: request payload too short", ErrProtocol)
	}
	q := &MirrorQuery{
		Type:  data[0],
		Batch: data[1]&constants.RequestFlagBatch != 0,
	}
	body := data[2:]

	if q.Type != constants.RequestPlain {
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: truncated chunk count", ErrProtocol)
		}
		q.ChunkCount = binary.BigEndian.Uint16(body[0:2])
		body = body[2:]
	}

	var err error
	switch q.Type {
	case constants.RequestPlain:
		q.Plain, err = decodePlainBody(body)
	case constants.RequestChunked:
		q.Chunks, err = decodeChunkVectors(body)
	case constants.RequestSeeded:
		var sb SeededBody
		sb, _, err = decodeSeededBody(body)
		q.Seeded = &sb
	case constants.RequestSeededParallel:
		q.Parallel, err = decodeParallelBody(body)
	default:
		return nil, fmt.Errorf("%w: unknown request type %d", ErrProtocol, q.Type)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func encodeVector(v *bitvector.BitVector) []byte {
	b := v.Bytes()
	out := make([]byte, 4+4+len(b))
	binary.BigEndian.PutUint32(out[0:4], uint32(v.Len()))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(b)))
	copy(out[8:], b)
	return out
}

func decodeVector(data []byte) (*bitvector.BitVector, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: truncated bit vector header", ErrProtocol)
	}
	bits := int(binary.BigEndian.Uint32(data[0:4]))
	byteLen := int(binary.BigEndian.Uint32(data[4:8]))
	if byteLen != bitvector.ByteLen(bits) {
		return nil, 0, fmt.Errorf("%w: vector byte length %d inconsistent with bit length %d", ErrProtocol, byteLen, bits)
	}
	if len(data) < 8+byteLen {
		return nil, 0, fmt.Errorf("%w: truncated bit vector body", ErrProtocol)
	}
	raw := make([]byte, byteLen)
	copy(raw, data[8:8+byteLen])
	v, err := bitvector.FromBytes(raw, bits)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return v, 8 + byteLen, nil
}

// encodePlainBody/decodePlainBody encode the list of type-0 BitVectors
// bundled into one request, one per requested block this round, in the same
// length-prefixed-list shape as encodeParallelBody/decodeParallelBody.
func encodePlainBody(vectors []*bitvector.BitVector) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(vectors)))
	for _, v := range vectors {
		out = append(out, encodeVector(v)...)
	}
	return out
}

func decodePlainBody(data []byte) ([]*bitvector.BitVector, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated plain body count", ErrProtocol)
	}
	count := int(binary.BigEndian.Uint32(data[0:4]))
	data = data[4:]
	out := make([]*bitvector.BitVector, 0, count)
	for i := 0; i < count; i++ {
		v, n, err := decodeVector(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		data = data[n:]
	}
	return out, nil
}

func encodeChunkVector(cv ChunkVector) []byte {
	vb := encodeVector(cv.Vector)
	out := make([]byte, 2+len(vb))
	binary.BigEndian.PutUint16(out[0:2], cv.ChunkIndex)
	copy(out[2:], vb)
	return out
}

func decodeChunkVector(data []byte) (ChunkVector, int, error) {
	if len(data) < 2 {
		return ChunkVector{}, 0, fmt.Errorf("%w: truncated chunk vector", ErrProtocol)
	}
	idx := binary.BigEndian.Uint16(data[0:2])
	v, n, err := decodeVector(data[2:])
	if err != nil {
		return ChunkVector{}, 0, err
	}
	return ChunkVector{ChunkIndex: idx, Vector: v}, 2 + n, nil
}

func encodeChunkVectors(cvs []ChunkVector) ([]byte, error) {
	if len(cvs) > 0xFFFF {
		return nil, fmt.Errorf("wireproto: too many chunk vectors: %d", len(cvs))
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(cvs)))
	for _, cv := range cvs {
		out = append(out, encodeChunkVector(cv)...)
	}
	return out, nil
}

func decodeChunkVectors(data []byte) ([]ChunkVector, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated chunk vector count", ErrProtocol)
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	out := make([]ChunkVector, 0, count)
	for i := 0; i < count; i++ {
		cv, n, err := decodeChunkVector(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
		data = data[n:]
	}
	return out, nil
}

func encodeSeedChunk(sc SeedChunk) []byte {
	out := make([]byte, 2+len(sc.Seed))
	binary.BigEndian.PutUint16(out[0:2], sc.ChunkIndex)
	copy(out[2:], sc.Seed)
	return out
}

func decodeSeedChunk(data []byte) (SeedChunk, int, error) {
	if len(data) < 2+constants.SeedSize {
		return SeedChunk{}, 0, fmt.Errorf("%w: truncated seed chunk", ErrProtocol)
	}
	idx := binary.BigEndian.Uint16(data[0:2])
	seed := make([]byte, constants.SeedSize)
	copy(seed, data[2:2+constants.SeedSize])
	return SeedChunk{ChunkIndex: idx, Seed: seed}, 2 + constants.SeedSize, nil
}

func encodeSeededBody(sb SeededBody) []byte {
	home := encodeChunkVector(sb.Home)
	out := make([]byte, 0, len(home)+1+len(sb.Others)*(2+constants.SeedSize))
	out = append(out, home...)
	out = append(out, byte(len(sb.Others)))
	for _, o := range sb.Others {
		out = append(out, encodeSeedChunk(o)...)
	}
	return out
}

func decodeSeededBody(data []byte) (SeededBody, int, error) {
	home, n, err := decodeChunkVector(data)
	if err != nil {
		return SeededBody{}, 0, err
	}
	consumed := n
	data = data[n:]
	if len(data) < 1 {
		return SeededBody{}, 0, fmt.Errorf("%w: truncated seeded body", ErrProtocol)
	}
	numOthers := int(data[0])
	consumed++
	data = data[1:]
	others := make([]SeedChunk, 0, numOthers)
	for i := 0; i < numOthers; i++ {
		sc, n, err := decodeSeedChunk(data)
		if err != nil {
			return SeededBody{}, 0, err
		}
		others = append(others, sc)
		consumed += n
		data = data[n:]
	}
	return SeededBody{Home: home, Others: others}, consumed, nil
}

func encodeParallelBody(bodies []SeededBody) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(bodies)))
	for _, b := range bodies {
		out = append(out, encodeSeededBody(b)...)
	}
	return out
}

func decodeParallelBody(data []byte) ([]SeededBody, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated parallel body count", ErrProtocol)
	}
	count := int(binary.BigEndian.Uint32(data[0:4]))
	data = data[4:]
	out := make([]SeededBody, 0, count)
	for i := 0; i < count; i++ {
		sb, n, err := decodeSeededBody(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
		data = data[n:]
	}
	return out, nil
}
