// Package buffer implements the contiguous growable byte region used by
// every connection for buffered reads and writes.
package buffer

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// prependSize is the reserved prefix region used to fit a frame length
	// header without a reallocation or a memmove of the payload.
	prependSize = 8
	// initialSize is the capacity of the writable region on a fresh buffer.
	initialSize = 1024
	// scratchSize is the auxiliary stack buffer used by ReadFD so a single
	// scatter read can absorb a large burst without growing the buffer first.
	scratchSize = 65536
)

// ErrNotEnoughData is returned by Peek/Retrieve helpers when fewer bytes
// are readable than requested.
var ErrNotEnoughData = errors.New("buffer: not enough readable data")

// Buffer is a contiguous byte region with independent read and write
// cursors. Bytes in [readerIndex, writerIndex) are readable; bytes in
// [writerIndex, cap) are writable. The first prependSize bytes are
// reserved so headers can be prepended without moving the payload.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns an empty buffer with the default reserved prefix and
// initial writable capacity.
func New() *Buffer {
	b := &Buffer{
		buf: make([]byte, prependSize+initialSize),
	}
	b.readerIndex = prependSize
	b.writerIndex = prependSize
	return b
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

// WritableBytes returns the number of bytes available to append without
// growing the underlying slice.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

// PrependableBytes returns the number of bytes free in the reserved prefix.
func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable region without advancing the read cursor.
// The returned slice aliases the buffer and is only valid until the next
// mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// Retrieve advances the read cursor by n bytes, discarding them. If n
// covers the whole readable region both cursors reset to the start of
// the prefix so capacity is reclaimed for subsequent appends.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readerIndex += n
}

// RetrieveAll discards every readable byte and resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = prependSize
	b.writerIndex = prependSize
}

// RetrieveAllAsString drains the entire readable region and returns it
// as a new string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAsBytes drains n readable bytes and returns them as a freshly
// allocated slice (safe to retain past the next mutation).
func (b *Buffer) RetrieveAsBytes(n int) ([]byte, error) {
	if n > b.ReadableBytes() {
		return nil, ErrNotEnoughData
	}
	out := make([]byte, n)
	copy(out, b.buf[b.readerIndex:b.readerIndex+n])
	b.Retrieve(n)
	return out, nil
}

// Append copies data onto the writable region, growing the buffer first
// if necessary.
func (b *Buffer) Append(data []byte) {
	if b.WritableBytes() < len(data) {
		b.makeSpace(len(data))
	}
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

// Prepend writes data into the reserved prefix immediately before the
// readable region, moving the read cursor back. It never reallocates:
// if data is longer than the free prefix it returns an error and leaves
// the buffer unchanged. prependSize is sized for the framing header
// (4 bytes here, with headroom).
func (b *Buffer) Prepend(data []byte) error {
	if len(data) > b.PrependableBytes() {
		return errors.New("buffer: prepend exceeds reserved prefix")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
	return nil
}

// makeSpace grows the buffer geometrically, or compacts the existing
// readable bytes back to the start of the prefix region when there is
// already enough combined prepend+trailing room.
func (b *Buffer) makeSpace(need int) {
	if b.PrependableBytes()+b.WritableBytes()-prependSize >= need {
		readable := b.ReadableBytes()
		copy(b.buf[prependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = prependSize
		b.writerIndex = prependSize + readable
		return
	}

	newCap := len(b.buf)
	if newCap == 0 {
		newCap = prependSize + initialSize
	}
	for newCap-prependSize < need+b.ReadableBytes() {
		newCap *= 2
	}
	newBuf := make([]byte, newCap)
	readable := b.ReadableBytes()
	copy(newBuf[prependSize:], b.buf[b.readerIndex:b.writerIndex])
	b.buf = newBuf
	b.readerIndex = prependSize
	b.writerIndex = prependSize + readable
}

// PeekUint32 reads a big-endian uint32 from the head of the readable
// region without consuming it. It is used by the framing codec to
// inspect the length prefix before deciding whether the full message
// has arrived.
func (b *Buffer) PeekUint32() (uint32, error) {
	if b.ReadableBytes() < 4 {
		return 0, ErrNotEnoughData
	}
	return binary.BigEndian.Uint32(b.buf[b.readerIndex : b.readerIndex+4]), nil
}

// ReadFD reads from reader into the buffer's writable region and, only
// if that region was filled completely, issues one more Read into a
// 64KiB auxiliary stack buffer, so a single ReadFD call can absorb a
// burst larger than the buffer's current capacity before a grow is
// needed. Returns the number of bytes landed in the buffer (the
// auxiliary overflow, if any, is appended on return) and the reader's
// error, if any.
func (b *Buffer) ReadFD(reader io.Reader) (int64, error) {
	var extra [scratchSize]byte
	writable := b.WritableBytes()

	// When readers support vectored reads (as *os.File / *net.TCPConn do
	// via internal poll), a single call can fill both regions. The
	// io.Reader interface here is intentionally narrow: callers pass a
	// net.Conn whose Read already multiplexes over one socket read, so we
	// emulate the two-iovec behavior with at most two Read calls, which
	// keeps this package portable across net.Conn implementations used in
	// tests (net.Pipe, TCP, etc.).
	n, err := reader.Read(b.buf[b.writerIndex : b.writerIndex+writable])
	if n > 0 {
		b.writerIndex += n
	}
	if err != nil {
		return int64(n), err
	}
	if n < writable {
		// The primary region was not exhausted; no need to touch the
		// auxiliary buffer this cycle.
		return int64(n), nil
	}

	m, err2 := reader.Read(extra[:])
	if m > 0 {
		b.Append(extra[:m])
	}
	if err2 != nil {
		return int64(n + m), err2
	}
	return int64(n + m), nil
}
