// Package buffer implements the growable byte buffer every TCP
// Connection uses for both input and output: a fixed-size prepend area
// for length framing, and a reader/writer cursor pair over a contiguous
// backing array.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// DefaultPrependSize is the prepend area's default capacity, enough for
// a 64-bit length header.
const DefaultPrependSize = 8

// initialSize is the backing array's starting capacity beyond the
// prepend area.
const initialSize = 1024

// ErrPrependTooSmall is returned by Prepend when the prepend area does
// not have room for the requested bytes.
var ErrPrependTooSmall = errors.New("buffer: not enough prependable space")

// Buffer is a contiguous byte store with three cursors: a prepend area,
// a reader cursor and a writer cursor, such that
// 0 <= readerIndex <= writerIndex <= len(buf). readerIndex starts at
// prependSize and drops below it only through Prepend.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
	prependSize int
}

// New returns an empty Buffer with the default prepend area size.
func New() *Buffer {
	return NewSize(DefaultPrependSize)
}

// NewSize returns an empty Buffer whose prepend area is prependSize
// bytes.
func NewSize(prependSize int) *Buffer {
	return &Buffer{
		buf:         make([]byte, prependSize+initialSize),
		readerIndex: prependSize,
		writerIndex: prependSize,
		prependSize: prependSize,
	}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes that can be appended without
// growing the backing array.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the space currently available before the
// reader cursor, including the original prepend area plus any bytes
// already consumed from the front.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable slice without consuming it. The slice aliases
// the Buffer's backing array and is only valid until the next mutating
// call.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Consume advances the reader cursor past n bytes. n is clamped to
// ReadableBytes.
func (b *Buffer) Consume(n int) {
	if n >= b.ReadableBytes() {
		b.ConsumeAll()
		return
	}
	b.readerIndex += n
}

// ConsumeAll resets the buffer to empty, collapsing both cursors back to
// the prepend boundary so subsequent appends reuse the freed space.
func (b *Buffer) ConsumeAll() {
	b.readerIndex = b.prependSize
	b.writerIndex = b.prependSize
}

// ConsumeString consumes n bytes and returns them as a string, the
// common case for line-oriented protocols built on Find.
func (b *Buffer) ConsumeString(n int) string {
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Consume(n)
	return s
}

// Append appends data to the writable region, growing the backing array
// if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Prepend writes data into the prepend area, immediately before the
// current readable region, used for length-prefix framing once the
// payload's size is known. It fails if the prepend area lacks room.
func (b *Buffer) Prepend(data []byte) error {
	if len(data) > b.PrependableBytes() {
		return ErrPrependTooSmall
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
	return nil
}

// PrependInt32 prepends a big-endian uint32 length header, the common
// case for length-framed protocols.
func (b *Buffer) PrependInt32(v uint32) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], v)
	return b.Prepend(hdr[:])
}

// Find returns the index, relative to the start of the readable region,
// of the first occurrence of delim, or -1 if not present.
func (b *Buffer) Find(delim []byte) int {
	return bytes.Index(b.Peek(), delim)
}

// FindCRLF returns the index of the first "\r\n" in the readable region,
// or -1.
func (b *Buffer) FindCRLF() int { return b.Find([]byte("\r\n")) }

// FindEOL returns the index of the first '\n' in the readable region, or
// -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// stackScratchSize bounds the auxiliary scratch buffer ReadFrom uses so
// a single syscall can read up to this many extra bytes when the
// Buffer's own writable region is small.
const stackScratchSize = 65536

// ReadFrom performs a readv-style bulk read from fd into the buffer's
// writable region plus an auxiliary scratch buffer, so a single syscall
// can consume a large burst even when the buffer is nearly empty,
// without pre-growing the buffer speculatively. Returns the number of
// bytes read and appended, and any error from the read syscall as-is
// (including EAGAIN). A peer close surfaces as (0, nil).
func (b *Buffer) ReadFrom(fd int) (int, error) {
	var scratch [stackScratchSize]byte
	writable := b.buf[b.writerIndex:len(b.buf)]

	iov := [][]byte{writable, scratch[:]}
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if n <= len(writable) {
		b.writerIndex += n
		return n, nil
	}

	b.writerIndex = len(b.buf)
	extra := n - len(writable)
	b.Append(scratch[:extra])
	return n, nil
}

// Shrink releases backing capacity beyond reserve bytes past the
// currently readable data, letting a long-idle connection give memory
// back. The readable content is preserved.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	fresh := make([]byte, b.prependSize+readable+reserve)
	copy(fresh[b.prependSize:], b.Peek())
	b.buf = fresh
	b.readerIndex = b.prependSize
	b.writerIndex = b.prependSize + readable
}

func (b *Buffer) ensureWritable(need int) {
	if b.WritableBytes() >= need {
		return
	}
	if b.PrependableBytes()-b.prependSize+b.WritableBytes() >= need {
		// Shifting the readable bytes down to the prepend boundary frees
		// enough room without growing the backing array.
		readable := b.ReadableBytes()
		copy(b.buf[b.prependSize:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = b.prependSize
		b.writerIndex = b.prependSize + readable
		return
	}
	newCap := len(b.buf)
	if newCap == 0 {
		newCap = b.prependSize + initialSize
	}
	for newCap-b.writerIndex < need {
		newCap *= 2
	}
	fresh := make([]byte, newCap)
	copy(fresh, b.buf[:b.writerIndex])
	b.buf = fresh
}
