package wireproto

import (
	"bufio"
	"fmt"
	"io"
)

// WriteRequest session-frames and sends one MirrorQuery.
func WriteRequest(w io.Writer, q *MirrorQuery) error {
	payload, err := q.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one session-framed MirrorQuery.
func ReadRequest(r *bufio.Reader) (*MirrorQuery, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalQuery(payload)
}

// WriteResponse sends a mirror's reply: resultCount blocks of blockSize
// bytes each, concatenated, session-framed as a single message. An error
// response instead carries a single byte error code (§7) prefixed by zero
// blocks; callers distinguish the two by frame length against
// resultCount*blockSize.
func WriteResponse(w io.Writer, blocks [][]byte, blockSize int) error {
	payload := make([]byte, 0, len(blocks)*blockSize)
	for _, b := range blocks {
		if len(b) != blockSize {
			return fmt.Errorf("wireproto: response block length %d != blocksize %d", len(b), blockSize)
		}
		payload = append(payload, b...)
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads a mirror's reply and splits it into resultCount blocks
// of blockSize bytes each.
func ReadResponse(r *bufio.Reader, blockSize, resultCount int) ([][]byte, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	want := blockSize * resultCount
	if len(payload) != want {
		return nil, fmt.Errorf("%w: response length %d, want %d (%d blocks of %d bytes)", ErrProtocol, len(payload), want, resultCount, blockSize)
	}
	blocks := make([][]byte, resultCount)
	for i := 0; i < resultCount; i++ {
		blocks[i] = payload[i*blockSize : (i+1)*blockSize]
	}
	return blocks, nil
}

// WriteErrorResponse sends a single-byte error code response (§7), used
// when a mirror cannot compute a valid reply for a request.
func WriteErrorResponse(w io.Writer, code byte) error {
	return WriteFrame(w, []byte{code})
}
