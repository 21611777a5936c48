// Package wireproto implements the session framing and MirrorQuery wire
// codec used on every client<->mirror TCP connection (spec §6). Framing is a
// fixed-width ASCII decimal length header terminated by a delimiter,
// followed by exactly that many payload bytes; every message in the system,
// request or response, uses it.
package wireproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// ErrProtocol is returned for malformed framing or an unexpected response
// shape from a mirror (spec ProtocolError).
var ErrProtocol = fmt.Errorf("wireproto: protocol error")

const (
	// headerWidth is the fixed width, in ASCII digits, of the length header.
	// 10 digits comfortably covers any payload this protocol ever sends.
	headerWidth = 10

	// headerDelim terminates the length header.
	headerDelim = ':'

	// MaxFrameSize bounds a single frame's payload to guard against a
	// malformed or hostile length header causing an unbounded allocation.
	MaxFrameSize = 256 * 1024 * 1024
)

// WriteFrame writes payload session-framed: a headerWidth-digit decimal
// length, headerDelim, then the payload bytes verbatim.
func WriteFrame(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("%0*d%c", headerWidth, len(payload), headerDelim)
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("wireproto: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wireproto: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one session-framed message from r and returns its
// payload. r must be a *bufio.Reader created once per connection (via
// NewReader) and reused across calls: wrapping a fresh bufio.Reader around
// the same connection on every call would silently discard any bytes it
// had already buffered ahead.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, headerWidth+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("wireproto: read frame header: %w", err)
	}
	if header[headerWidth] != headerDelim {
		return nil, fmt.Errorf("%w: missing header delimiter", ErrProtocol)
	}
	length, err := strconv.Atoi(string(header[:headerWidth]))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: malformed length header %q", ErrProtocol, header[:headerWidth])
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds maximum %d", ErrProtocol, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wireproto: read frame payload: %w", err)
	}
	return payload, nil
}

// NewReader wraps a connection for repeated ReadFrame calls. Callers must
// create exactly one of these per connection and reuse it for every frame
// read on that connection.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReader(r)
}
