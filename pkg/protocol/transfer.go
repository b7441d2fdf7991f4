package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ChunkSize is the maximum file payload carried by one data-channel chunk
const ChunkSize = 1024

// MaxDatagramSize bounds one data-channel datagram (chunk + framing overhead)
const MaxDatagramSize = ChunkSize + 64

var ErrChunkTooLarge = errors.New("chunk exceeds ChunkSize")

// TransferHeader opens a data-channel transfer
type TransferHeader struct {
	ID        uuid.UUID
	Presenter string
	Audience  string
	FileName  string
	Size      uint64
	Chunks    uint32
}

// TransferChunk carries one slice of the file at offset Seq*ChunkSize
type TransferChunk struct {
	ID   uuid.UUID
	Seq  uint32
	Data []byte
}

// TransferEnd closes a data-channel transfer
type TransferEnd struct {
	ID uuid.UUID
}

// ChunkCount returns how many chunks a file of size bytes needs
func ChunkCount(size uint64) uint32 {
	return uint32((size + ChunkSize - 1) / ChunkSize)
}

// EncodeTo writes the header payload
func (h *TransferHeader) EncodeTo(w io.Writer) error {
	if _, err := w.Write(h.ID[:]); err != nil {
		return err
	}
	if err := WriteString(w, h.Presenter); err != nil {
		return err
	}
	if err := WriteString(w, h.Audience); err != nil {
		return err
	}
	if err := WriteString(w, h.FileName); err != nil {
		return err
	}
	if err := WriteUint64(w, h.Size); err != nil {
		return err
	}
	return WriteUint32(w, h.Chunks)
}

// Decode reads the header payload
func (h *TransferHeader) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if h.ID, err = readUUID(r); err != nil {
		return err
	}
	if h.Presenter, err = ReadString(r); err != nil {
		return err
	}
	if h.Audience, err = ReadString(r); err != nil {
		return err
	}
	if h.FileName, err = ReadString(r); err != nil {
		return err
	}
	if h.Size, err = ReadUint64(r); err != nil {
		return err
	}
	h.Chunks, err = ReadUint32(r)
	return err
}

// EncodeTo writes the chunk payload
func (c *TransferChunk) EncodeTo(w io.Writer) error {
	if len(c.Data) > ChunkSize {
		return ErrChunkTooLarge
	}
	if _, err := w.Write(c.ID[:]); err != nil {
		return err
	}
	if err := WriteUint32(w, c.Seq); err != nil {
		return err
	}
	return WriteBytes(w, c.Data)
}

// Decode reads the chunk payload
func (c *TransferChunk) Decode(payload []byte) error {
	r := bytes.NewReader(payload)
	var err error
	if c.ID, err = readUUID(r); err != nil {
		return err
	}
	if c.Seq, err = ReadUint32(r); err != nil {
		return err
	}
	if c.Data, err = ReadBytes(r); err != nil {
		return err
	}
	if len(c.Data) > ChunkSize {
		return ErrChunkTooLarge
	}
	return nil
}

// EncodeTo writes the end payload
func (e *TransferEnd) EncodeTo(w io.Writer) error {
	_, err := w.Write(e.ID[:])
	return err
}

// Decode reads the end payload
func (e *TransferEnd) Decode(payload []byte) error {
	var err error
	e.ID, err = readUUID(bytes.NewReader(payload))
	return err
}

// EncodeDatagram frames a transfer message as one self-contained datagram
func EncodeDatagram(msg interface{ EncodeTo(io.Writer) error }) ([]byte, error) {
	var frameType uint8
	switch msg.(type) {
	case *TransferHeader:
		frameType = TypeTransferHeader
	case *TransferChunk:
		frameType = TypeTransferChunk
	case *TransferEnd:
		frameType = TypeTransferEnd
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedType, msg)
	}

	var payload bytes.Buffer
	if err := msg.EncodeTo(&payload); err != nil {
		return nil, err
	}
	return EncodeMessage(frameType, payload.Bytes())
}

// DecodeDatagram decodes one data-channel datagram into a *TransferHeader,
// *TransferChunk or *TransferEnd
func DecodeDatagram(data []byte) (interface{}, error) {
	frame, err := DecodeMessage(data)
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case TypeTransferHeader:
		h := &TransferHeader{}
		return h, h.Decode(frame.Payload)
	case TypeTransferChunk:
		c := &TransferChunk{}
		return c, c.Decode(frame.Payload)
	case TypeTransferEnd:
		e := &TransferEnd{}
		return e, e.Decode(frame.Payload)
	}
	return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedType, frame.Type)
}

func readUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
