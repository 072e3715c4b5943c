package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed wire header size:
// channel_id u32 BE, type u8, payload length u32 BE.
const HeaderLen = 9

// ControlChannelID is reserved for session-level control traffic.
const ControlChannelID uint32 = 0

// Frame types.
const (
	TypeOpen  uint8 = 1
	TypeData  uint8 = 2
	TypeClose uint8 = 3
	TypeError uint8 = 4
	TypeAck   uint8 = 5
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrUnknownType     = errors.New("frame: unknown frame type")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header.
type Header struct {
	ChannelID  uint32
	Type       uint8
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a frame with the payload length derived from the payload.
func New(channelID uint32, frameType uint8, payload []byte) Frame {
	return Frame{
		Header:  Header{ChannelID: channelID, Type: frameType, PayloadLen: uint32(len(payload))},
		Payload: payload,
	}
}

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 256 * 1024}
}

func validType(t uint8) bool {
	return t >= TypeOpen && t <= TypeAck
}

// Read decodes the next frame from r. A short read of the header maps to
// ErrShortHeader except at a clean frame boundary, where io.EOF passes
// through so callers can distinguish an orderly peer shutdown.
func Read(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := DecodeHeader(fixed)
	if !validType(h.Type) {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortHeader
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Write encodes f to w as a single buffered write so a frame is never
// interleaved with another writer's bytes at the io boundary.
func Write(w io.Writer, f Frame, limits Limits) error {
	if uint32(len(f.Payload)) > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	if !validType(f.Header.Type) {
		return fmt.Errorf("%w: %d", ErrUnknownType, f.Header.Type)
	}
	f.Header.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, HeaderLen+len(f.Payload))
	h := EncodeHeader(f.Header)
	copy(buf, h[:])
	copy(buf[HeaderLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], h.ChannelID)
	buf[4] = h.Type
	binary.BigEndian.PutUint32(buf[5:9], h.PayloadLen)
	return buf
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		ChannelID:  binary.BigEndian.Uint32(b[0:4]),
		Type:       b[4],
		PayloadLen: binary.BigEndian.Uint32(b[5:9]),
	}
}

// TypeName returns the wire name of a frame type for logs and errors.
func TypeName(t uint8) string {
	switch t {
	case TypeOpen:
		return "open"
	case TypeData:
		return "data"
	case TypeClose:
		return "close"
	case TypeError:
		return "error"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
