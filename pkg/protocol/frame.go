package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (64 KB)
	MaxFrameSize = 64 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1
)

// Frame type constants
const (
	TypeCommand = 0x01 // Client → Server control record
	TypeReply   = 0x81 // Server → Client control record

	TypeTransferHeader = 0xA0 // Data channel: transfer metadata
	TypeTransferChunk  = 0xA1 // Data channel: one file chunk
	TypeTransferEnd    = 0xA2 // Data channel: end of stream
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (64 KB)")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
	ErrUnexpectedType     = errors.New("unexpected frame type")
)

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8  // Protocol version (currently 1)
	Type    uint8  // Frame type
	Payload []byte // Frame payload
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	// Calculate length: Version (1) + Type (1) + Payload (N)
	length := uint32(1 + 1 + len(f.Payload))

	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Assemble the whole frame first so it goes out in a single Write.
	// WebSocket and UDP transports treat every Write as one record.
	buf := make([]byte, 0, 4+length)
	buf = appendUint32(buf, length)
	buf = append(buf, f.Version, f.Type)
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Length must be at least 2 (version + type)
	if length < 2 {
		return nil, ErrInvalidFrameLength
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	frameType, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length-2)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Version: version,
		Type:    frameType,
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(frameType uint8, payload []byte) ([]byte, error) {
	frame := &Frame{
		Version: ProtocolVersion,
		Type:    frameType,
		Payload: payload,
	}

	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, frame); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

// WriteText writes a text control record as a single frame
func WriteText(w io.Writer, frameType uint8, text string) error {
	return EncodeFrame(w, &Frame{
		Version: ProtocolVersion,
		Type:    frameType,
		Payload: []byte(text),
	})
}

// ReadText reads one frame and returns its payload as text.
// The frame must be of the expected type.
func ReadText(r io.Reader, frameType uint8) (string, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return "", err
	}
	if frame.Type != frameType {
		return "", ErrUnexpectedType
	}
	return string(frame.Payload), nil
}
