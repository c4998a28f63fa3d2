// Package wire implements the binary WebSocket framing used between the
// sync provider and the room manager: a varuint message-type tag followed
// by a type-specific payload, following the y-protocols wire layout.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies the outermost frame tag (spec.md §6.1).
type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageQueryAwareness MessageType = 3
	MessageSyncStatus     MessageType = 102
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "SYNC"
	case MessageAwareness:
		return "AWARENESS"
	case MessageQueryAwareness:
		return "QUERY_AWARENESS"
	case MessageSyncStatus:
		return "SYNC_STATUS"
	default:
		return fmt.Sprintf("MessageType(%d)", uint64(t))
	}
}

// SyncStep identifies the embedded sync-protocol submessage carried inside
// a SYNC frame.
type SyncStep uint64

const (
	SyncStepStep1  SyncStep = 0
	SyncStepStep2  SyncStep = 1
	SyncStepUpdate SyncStep = 2
)

// Frame is a decoded top-level wire message.
type Frame struct {
	Type MessageType
	Body []byte
}

// PutUvarint appends v to buf using the standard LEB128 varint encoding
// (the same framing Yjs's lib0 encoder uses for its varUint).
func PutUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// ReadUvarint reads a varuint from r.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

// EncodeFrame builds a complete wire frame: varuint(type) || body.
func EncodeFrame(t MessageType, body []byte) []byte {
	buf := new(bytes.Buffer)
	PutUvarint(buf, uint64(t))
	buf.Write(body)
	return buf.Bytes()
}

// DecodeFrame splits a raw WebSocket message into its type tag and body.
func DecodeFrame(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	typ, err := ReadUvarint(r)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame type: %w", err)
	}
	body := make([]byte, r.Len())
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame body: %w", err)
	}
	return Frame{Type: MessageType(typ), Body: body}, nil
}

// EncodeLengthPrefixed writes a varuint length followed by payload, the
// framing AWARENESS (and the inner payload of SYNC_STATUS) use.
func EncodeLengthPrefixed(buf *bytes.Buffer, payload []byte) {
	PutUvarint(buf, uint64(len(payload)))
	buf.Write(payload)
}

// DecodeLengthPrefixed reads a varuint-length-prefixed byte slice.
func DecodeLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("wire: read length-prefixed body: %w", err)
	}
	return out, nil
}
