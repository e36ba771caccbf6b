package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// headerSize is the length prefix; the prefix counts itself.
const headerSize = 4

// MaxFrameSize bounds an incoming frame, header included. Outgoing frames
// are only bounded by the length prefix.
const MaxFrameSize = 16 << 20

// MaxFrameBody is the largest body the uint32 length prefix can describe.
const MaxFrameBody int64 = math.MaxUint32 - headerSize

// ErrFrameTooLarge is returned for frames exceeding the read limit or
// MaxFrameBody, and for frames shorter than their own header.
var ErrFrameTooLarge = errors.New("protocol: invalid frame length")

// Channel is the duplex transport the dispatcher serves commands over.
type Channel interface {
	// ReadFrame blocks until one complete frame body is available.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame body and flushes it to the peer.
	WriteFrame(body []byte) error
	Close() error
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes
// from r and returns its body. A clean end of stream before the header is
// reported as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, MaxFrameSize)
}

// ReadFrameLimit is ReadFrame with a caller-chosen size limit, header included.
func ReadFrameLimit(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(hdr[:])
	if total < headerSize || total > limit {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, total)
	}
	body := make([]byte, total-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body to w prefixed by its total length.
func WriteFrame(w io.Writer, body []byte) error {
	if int64(len(body)) > MaxFrameBody {
		return fmt.Errorf("%w: body of %d bytes", ErrFrameTooLarge, len(body))
	}
	total := len(body) + headerSize
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(total))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// StreamChannel adapts a byte stream (typically a net.Conn) to Channel.
type StreamChannel struct {
	rw        io.ReadWriteCloser
	r         *bufio.Reader
	w         *bufio.Writer
	readLimit uint32
}

// StreamOption customises a StreamChannel.
type StreamOption func(*StreamChannel)

// WithReadLimit changes the largest frame ReadFrame accepts. A control
// system reading whole message registries may need more than MaxFrameSize.
func WithReadLimit(limit uint32) StreamOption {
	return func(c *StreamChannel) {
		if limit >= headerSize {
			c.readLimit = limit
		}
	}
}

// NewStreamChannel wraps rw with buffered framing.
func NewStreamChannel(rw io.ReadWriteCloser, opts ...StreamOption) *StreamChannel {
	c := &StreamChannel{
		rw:        rw,
		r:         bufio.NewReader(rw),
		w:         bufio.NewWriter(rw),
		readLimit: MaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadFrame implements Channel.
func (c *StreamChannel) ReadFrame() ([]byte, error) {
	return ReadFrameLimit(c.r, c.readLimit)
}

// WriteFrame implements Channel.
func (c *StreamChannel) WriteFrame(body []byte) error {
	if err := WriteFrame(c.w, body); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close closes the underlying stream.
func (c *StreamChannel) Close() error {
	return c.rw.Close()
}
