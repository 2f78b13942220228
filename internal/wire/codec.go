package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-arcreactor/internal/led"
	"github.com/kstaniek/go-arcreactor/internal/metrics"
)

const (
	// Terminator ends every outbound command; the firmware buffers bytes
	// until it sees one.
	Terminator = '\n'

	// MaxCommandLen is the firmware's line buffer, terminator included.
	MaxCommandLen = 120

	// MaxBatchLEDs bounds a batch to the LEDs physically on the device.
	MaxBatchLEDs = led.Count

	// MaxLEDIndex is the largest index a single-LED command may carry.
	MaxLEDIndex = 254

	// MaxFrameLen is the largest inbound payload a one-byte prefix can announce.
	MaxFrameLen = 255
)

var (
	// ErrInvalidCommand is returned for commands that cannot be put on the wire.
	ErrInvalidCommand = errors.New("wire: invalid command")
	// ErrTruncatedFrame is returned when the stream ends before a frame is complete.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	// ErrFrameTooLong is returned when a payload does not fit a one-byte prefix.
	ErrFrameTooLong = errors.New("wire: frame too long")
)

// Codec encodes device commands and decodes device frames.
// Stateless and safe for concurrent use.
type Codec struct{}

// Encode returns the complete wire form of cmd (body plus terminator).
func (Codec) Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	body, err := cmd.body()
	if err != nil {
		return nil, err
	}
	if len(body)+1 > MaxCommandLen {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrInvalidCommand, cmd, len(body)+1, MaxCommandLen)
	}
	return AppendTerminator(body), nil
}

// EncodeTo writes the wire form of cmd to w in a single Write call so that
// concurrent writers on a serialized stream never interleave partial commands.
func (c Codec) EncodeTo(w io.Writer, cmd Command) (int, error) {
	b, err := c.Encode(cmd)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	if err != nil {
		return n, fmt.Errorf("wire encode %s: %w", cmd, err)
	}
	return n, nil
}

// AppendTerminator returns body followed by the command terminator. It is
// the generic byte-write path used for every command kind.
func AppendTerminator(body []byte) []byte {
	out := make([]byte, len(body)+1)
	copy(out, body)
	out[len(body)] = Terminator
	return out
}

// EncodeSingleLed builds the 5-byte single LED body: 'c', index, R, G, B.
func EncodeSingleLed(index uint8, c led.Color) []byte {
	return []byte{'c', index, c.R, c.G, c.B}
}

// EncodeBatch builds the batch body: 'i' followed by R, G, B for every
// color in input order.
func EncodeBatch(colors []led.Color) []byte {
	out := make([]byte, 1+3*len(colors))
	out[0] = 'i'
	for i, c := range colors {
		out[1+i*3] = c.R
		out[2+i*3] = c.G
		out[3+i*3] = c.B
	}
	return out
}

// EncodeRing builds the ring body: 'r', R, G, B.
func EncodeRing(c led.Color) []byte { return []byte{'r', c.R, c.G, c.B} }

// EncodeFrame builds an inbound-style frame: one length byte followed by s.
// The device side of the protocol; used by simulators and tests.
func EncodeFrame(s string) ([]byte, error) {
	if len(s) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(s))
	}
	out := make([]byte, 1+len(s))
	out[0] = byte(len(s))
	copy(out[1:], s)
	return out, nil
}

// Decode reads exactly one length-prefixed frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is
// available, and ErrTruncatedFrame when the stream ends inside a frame; the
// partial payload is never returned.
func (Codec) Decode(r io.Reader) (string, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", err
	}
	ln := int(lb[0])
	if ln == 0 {
		return "", nil
	}
	payload := make([]byte, ln)
	if _, err := io.ReadFull(r, payload); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return "", fmt.Errorf("wire decode payload (%d bytes declared): %w", ln, ErrTruncatedFrame)
		}
		return "", fmt.Errorf("wire decode payload: %w", err)
	}
	return string(payload), nil
}

// DecodeN decodes up to max frames (if max>0) or until an error (if max<=0)
// invoking onFrame for each. It returns the number of frames decoded and the
// terminal error (which can be io.EOF).
func (c Codec) DecodeN(r io.Reader, max int, onFrame func(string)) (int, error) {
	var n int
	for max <= 0 || n < max {
		s, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(s)
		n++
	}
	return n, nil
}

func validLiteral(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty literal", ErrInvalidCommand)
	}
	if bytes.IndexByte([]byte(s), Terminator) >= 0 {
		return fmt.Errorf("%w: literal %q contains terminator", ErrInvalidCommand, s)
	}
	return nil
}
