package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/SkynetNext/capi-gateway/internal/buffer"
)

const (
	// Magic is the first byte of every legacy frame
	Magic byte = 0xFF

	// HeaderSize is the size of the legacy frame header (4 bytes: Magic + ID + Length)
	HeaderSize = 4

	// MaxPayloadSize is the largest payload the 16-bit length field can describe
	MaxPayloadSize = 0xFFFF - HeaderSize
)

// Legacy frame layout (Little Endian):
//
//	Offset  Size    Type      Description
//	0       1       uint8     magic (always 0xFF)
//	1       1       uint8     packet id
//	2-3     2       uint16    length, header included (payload length + 4)
//	4-      length-4          payload
//
// A single protocol selector byte precedes the first frame of a connection.

var (
	// ErrProtocolViolation is returned for any input the legacy protocol does not allow
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrMessageTooLarge is returned when a frame exceeds the configured maximum size
	ErrMessageTooLarge = errors.New("message size exceeds maximum allowed")
)

// Violation wraps ErrProtocolViolation with a description of what went wrong
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Packet is a decoded legacy frame
type Packet struct {
	ID      byte
	Payload []byte
}

// Encode builds a complete frame for id and payload. A nil payload gives a 4-byte frame.
func Encode(id byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = Magic
	frame[1] = id
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)+HeaderSize))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodeHeader parses a 4-byte frame header and returns the packet id and the number of
// payload bytes that follow it
func DecodeHeader(header []byte) (id byte, bodyLength int, err error) {
	if len(header) < HeaderSize {
		return 0, 0, ErrShortRead
	}
	if header[0] != Magic {
		return 0, 0, Violation("invalid frame header (0x%02x)", header[0])
	}

	length := int(binary.LittleEndian.Uint16(header[2:4]))
	if length < HeaderSize {
		return 0, 0, Violation("invalid frame length (%d)", length)
	}
	return header[1], length - HeaderSize, nil
}

// Decode parses a complete frame held in memory
func Decode(frame []byte) (*Packet, error) {
	id, bodyLength, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame)-HeaderSize != bodyLength {
		return nil, ErrShortRead
	}

	payload := make([]byte, bodyLength)
	copy(payload, frame[HeaderSize:])
	return &Packet{ID: id, Payload: payload}, nil
}

// ReadPacket reads one complete frame from r.
// The body is read in full before the packet is returned; a short body is an I/O error.
func ReadPacket(r io.Reader, maxPacketSize int) (*Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	id, bodyLength, err := DecodeHeader(header[:])
	if err != nil {
		return nil, err
	}

	// Validate message size to prevent DoS
	if maxPacketSize > 0 && bodyLength+HeaderSize > maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, bodyLength+HeaderSize, maxPacketSize)
	}

	pkt := &Packet{ID: id}
	if bodyLength > 0 {
		pkt.Payload = make([]byte, bodyLength)
		if _, err := io.ReadFull(r, pkt.Payload); err != nil {
			return nil, err
		}
	}
	return pkt, nil
}

// WritePacket frames payload and writes it to w in a single Write call
func WritePacket(w io.Writer, id byte, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(payload), MaxPayloadSize)
	}

	buf := buffer.Get()
	defer buffer.Put(buf)

	var header [HeaderSize]byte
	header[0] = Magic
	header[1] = id
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(payload)+HeaderSize))
	buf.Write(header[:])
	buf.Write(payload)

	_, err := w.Write(buf.Bytes())
	return err
}
