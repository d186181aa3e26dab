// Package codec implements the wire framing every LightVoice message
// is sent under: a fixed 4-byte big-endian length prefix followed by
// exactly that many payload bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flowpbx/lightvoice/internal/buffer"
)

// MaxFrameLength is the largest payload a single frame may declare.
// Bigger than this is treated as a protocol violation, not a large
// message to wait for: it almost always means the stream has lost
// framing sync.
const MaxFrameLength = 65536

// ErrFrameTooLarge is returned when a peer's length prefix exceeds
// MaxFrameLength. The caller should treat this as fatal and close the
// connection; there is no recovery path for a desynced stream.
var ErrFrameTooLarge = errors.New("codec: frame length exceeds maximum")

// HeaderSize is the width of the length prefix in bytes.
const HeaderSize = 4

// TryDecode inspects buf for a complete frame at the head of its
// readable region. It returns (payload, true, nil) and consumes the
// frame when one is fully present, (nil, false, nil) when more bytes
// are needed, and a non-nil error when the declared length violates
// MaxFrameLength (the caller must close the connection in that case;
// the buffer is left untouched so the offending prefix can be logged).
func TryDecode(buf *buffer.Buffer) ([]byte, bool, error) {
	if buf.ReadableBytes() < HeaderSize {
		return nil, false, nil
	}

	length, err := buf.PeekUint32()
	if err != nil {
		return nil, false, nil
	}
	if length > MaxFrameLength {
		return nil, false, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, length, MaxFrameLength)
	}

	if buf.ReadableBytes() < HeaderSize+int(length) {
		return nil, false, nil
	}

	buf.Retrieve(HeaderSize)
	payload, err := buf.RetrieveAsBytes(int(length))
	if err != nil {
		// Unreachable given the length check above, but surfaced rather
		// than silently dropped in case buffer bookkeeping ever drifts.
		return nil, false, fmt.Errorf("codec: internal framing error: %w", err)
	}
	return payload, true, nil
}

// Encode prepends a 4-byte big-endian length header to payload and
// returns the full frame ready to write to the wire.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("%w: payload is %d bytes, max %d", ErrFrameTooLarge, len(payload), MaxFrameLength)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// EncodeInto writes payload's frame into buf's prepend region and
// readable region in place, avoiding an extra allocation versus Encode
// plus a separate copy into the connection's output buffer. buf must
// be empty (for example a connection's output buffer with nothing
// pending, as Connection.sendInLoop uses it): EncodeInto prepends
// the header immediately before the current reader index, so calling
// it on a buffer that already holds unrelated bytes would corrupt
// their framing.
func EncodeInto(buf *buffer.Buffer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("%w: payload is %d bytes, max %d", ErrFrameTooLarge, len(payload), MaxFrameLength)
	}
	buf.Append(payload)
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	return buf.Prepend(header[:])
}
