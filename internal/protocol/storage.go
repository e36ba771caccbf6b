// Package protocol implements the binary command protocol spoken between the
// control system and the application: length-prefixed frames whose bodies
// are sequences of big-endian fields.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned when a frame body ends before a field is complete.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Writer accumulates big-endian fields for one frame body.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// PutUint8 writes one byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutBool writes true as 1 and false as 0.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
		return
	}
	w.PutUint8(0)
}

// PutUint32 writes v big-endian.
func (w *Writer) PutUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

// PutInt32 writes v as its two's complement uint32.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutFloat32 writes the IEEE-754 bits of v.
func (w *Writer) PutFloat32(v float32) {
	w.PutUint32(math.Float32bits(v))
}

// PutString writes a uint32 length followed by the raw bytes.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutRaw appends b without a length prefix.
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

// Bytes returns the accumulated body. The slice aliases the Writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reader consumes big-endian fields from one frame body.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over body.
func NewReader(body []byte) *Reader {
	return &Reader{buf: body}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) next(n int, field string) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("%w: reading %s needs %d bytes, %d left", ErrShortBuffer, field, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.next(1, "uint8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads one byte; any non-zero value is true.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.next(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Int32 reads a big-endian two's complement int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Float32 reads an IEEE-754 big-endian float32.
func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

// Text reads a uint32 length followed by that many bytes.
func (r *Reader) Text() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n), "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads a record count and rejects counts that cannot fit in the
// remaining bytes given the minimum record size.
func (r *Reader) count(recordSize int, what string) (int, error) {
	n, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(recordSize) > uint64(r.Remaining()) {
		return 0, fmt.Errorf("%w: %d %s records need %d bytes, %d left", ErrShortBuffer, n, what, uint64(n)*uint64(recordSize), r.Remaining())
	}
	return int(n), nil
}
