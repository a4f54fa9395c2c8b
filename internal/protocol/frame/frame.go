package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/evhandl/internal/protocol"
)

const HeaderLen = protocol.HeaderLen

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrOddPayload      = errors.New("frame: payload is not a whole number of words")
	ErrShortHeader     = errors.New("frame: short header")
)

// Header is the fixed wire header: payload length in 16-bit words, then channel.
type Header struct {
	Words   uint16
	Channel uint16
}

// PayloadLen is the payload size in bytes.
func (h Header) PayloadLen() int {
	return int(h.Words) * 2
}

// Frame is one complete wire message.
type Frame struct {
	Channel uint16
	Payload []byte
}

// Header derives the wire header for f. Payload must already be word aligned.
func (f Frame) Header() Header {
	return Header{Words: uint16(len(f.Payload) / 2), Channel: f.Channel}
}

// Size is the number of bytes f occupies on the wire.
func (f Frame) Size() int {
	return HeaderLen + len(f.Payload)
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: protocol.MaxMessageBytes}
}

func EncodeHeader(words, channel uint16) [HeaderLen]byte {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], words)
	binary.BigEndian.PutUint16(buf[2:4], channel)
	return buf
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Words:   binary.BigEndian.Uint16(b[0:2]),
		Channel: binary.BigEndian.Uint16(b[2:4]),
	}
}

// Encode returns header and payload as one contiguous buffer.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload)%2 != 0 {
		return nil, ErrOddPayload
	}
	if len(f.Payload)/2 > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	h := EncodeHeader(uint16(len(f.Payload)/2), f.Channel)
	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, h[:]...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// WriteFrame sends the header followed by the payload in a single write.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return protocol.Wrap(protocol.KindProtocolViolation, "write frame", err)
	}
	if _, err := w.Write(buf); err != nil {
		return protocol.Wrap(protocol.KindTransportFailure, "write frame", err)
	}
	return nil
}

// ReadHeader reads exactly one header and validates the declared length
// against limits. The payload is never touched when the length is refused.
func ReadHeader(r io.Reader, limits Limits) (Header, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return Header{}, protocol.Wrap(protocol.KindTransportFailure, "read header", err)
	}
	h := DecodeHeader(raw)
	if h.PayloadLen() > limits.MaxPayloadBytes {
		return Header{}, &protocol.Error{
			Kind:   protocol.KindProtocolViolation,
			Op:     "read header",
			Reason: fmt.Sprintf("%d bytes stated in received frame, expected max %d", h.PayloadLen(), limits.MaxPayloadBytes),
			Err:    ErrPayloadTooLarge,
		}
	}
	return h, nil
}

// ReadPayload reads exactly the payload announced by h.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	payload := make([]byte, h.PayloadLen())
	if len(payload) == 0 {
		return payload, nil
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, protocol.Wrap(protocol.KindTransportFailure, "read payload", err)
	}
	return payload, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	h, err := ReadHeader(r, limits)
	if err != nil {
		return Frame{}, err
	}
	payload, err := ReadPayload(r, h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Channel: h.Channel, Payload: payload}, nil
}

// ReadRaw reads one frame and returns its header and payload as a single
// contiguous buffer, exactly as received.
func ReadRaw(r io.Reader, limits Limits) (Header, []byte, error) {
	h, err := ReadHeader(r, limits)
	if err != nil {
		return Header{}, nil, err
	}
	raw := make([]byte, HeaderLen+h.PayloadLen())
	hb := EncodeHeader(h.Words, h.Channel)
	copy(raw, hb[:])
	if h.PayloadLen() > 0 {
		if _, err := io.ReadFull(r, raw[HeaderLen:]); err != nil {
			return Header{}, nil, protocol.Wrap(protocol.KindTransportFailure, "read payload", err)
		}
	}
	return h, raw, nil
}
