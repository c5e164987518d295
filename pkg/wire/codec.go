// Package wire implements the bus's length-prefixed binary framing: every
// frame is a little-endian u32 length followed by a BDoc-encoded message
// envelope. It also exposes the Hub-only variant that carries a single file
// descriptor alongside a frame, used exclusively during peer brokering.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
)

// DefaultMaxFrameSize is the default cap on a single frame's body, 16 MiB.
const DefaultMaxFrameSize = 16 * 1024 * 1024

const lengthPrefixSize = 4

// Reader reads length-prefixed BDoc envelopes off a stream. It is not safe
// for concurrent use; the peer session pump is the sole reader.
type Reader struct {
	r            io.Reader
	maxFrameSize uint32
}

// NewReader wraps r with the default max frame size.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxFrameSize: DefaultMaxFrameSize}
}

// WithMaxFrameSize overrides the max frame size and returns the reader.
func (rd *Reader) WithMaxFrameSize(max uint32) *Reader {
	rd.maxFrameSize = max
	return rd
}

// ReadEnvelope blocks until a full frame is available and returns the
// decoded envelope.
func (rd *Reader) ReadEnvelope() (message.Envelope, error) {
	body, err := rd.readFrameBody()
	if err != nil {
		return message.Envelope{}, err
	}

	var envelope message.Envelope
	if err := bdoc.Unmarshal(body, &envelope); err != nil {
		return message.Envelope{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return envelope, nil
}

func (rd *Reader) readFrameBody() ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(rd.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, ErrDisconnected
		}
		return nil, fmt.Errorf("%w: reading length prefix: %v", ErrProtocolViolation, err)
	}

	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if length > rd.maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds max %d", ErrProtocolViolation, length, rd.maxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(rd.r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", ErrProtocolViolation, err)
	}
	return body, nil
}

// Writer writes length-prefixed BDoc envelopes to a stream. It is not safe
// for concurrent use; the peer session pump is the sole writer and writes
// one frame at a time, in the order frames are pulled off its outbound
// channel.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope serializes and writes a single frame atomically. A partial
// write leaves the stream unusable; callers must treat any error as
// terminal for the session.
func (wr *Writer) WriteEnvelope(envelope message.Envelope) error {
	frame, err := encodeFrame(envelope)
	if err != nil {
		return err
	}
	_, err = wr.w.Write(frame)
	return err
}

func encodeFrame(envelope message.Envelope) ([]byte, error) {
	body, err := bdoc.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if uint64(len(body)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: encoded frame too large", ErrProtocolViolation)
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}
