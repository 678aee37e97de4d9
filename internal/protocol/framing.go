package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a TCP frame header carries a length
// that is zero, negative, or above MaxFrameSize.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameReader reassembles length-prefixed frames from a TCP byte stream.
// Frame format: [4-byte LE length][length bytes...]
//
// A FrameReader is owned by a single reader goroutine and is not safe for
// concurrent use.
type FrameReader struct {
	buf []byte
	pos int
}

// Feed appends chunk to the accumulation buffer and calls emit once for each
// complete frame, in order. The slice passed to emit is only valid for the
// duration of the call.
//
// A partial frame, including a partial length header, is kept for the next
// call. A malformed header discards everything accumulated so far.
func (r *FrameReader) Feed(chunk []byte, emit func(frame []byte)) error {
	r.buf = append(r.buf, chunk...)

	for len(r.buf)-r.pos >= LengthPrefixSize {
		length := int32(binary.LittleEndian.Uint32(r.buf[r.pos:]))
		if length <= 0 || length > MaxFrameSize {
			r.Reset()
			return fmt.Errorf("frame length %d: %w", length, ErrMalformedFrame)
		}
		if len(r.buf)-r.pos-LengthPrefixSize < int(length) {
			break
		}
		start := r.pos + LengthPrefixSize
		r.pos = start + int(length)
		emit(r.buf[start:r.pos])
	}

	r.compact()
	return nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf) - r.pos
}

// Reset drops all accumulated bytes.
func (r *FrameReader) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
}

func (r *FrameReader) compact() {
	if r.pos == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.pos:])
	r.buf = r.buf[:n]
	r.pos = 0
}
