package session

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameKind distinguishes text frames from binary media frames.
type FrameKind int

const (
	// TextFrame carries one JSON envelope.
	TextFrame FrameKind = iota + 1
	// BinaryFrame carries an event-type tag and raw media bytes.
	BinaryFrame
)

func (k FrameKind) String() string {
	switch k {
	case TextFrame:
		return "text"
	case BinaryFrame:
		return "binary"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// binaryHeaderLen is the width of the big-endian event-type tag that
// prefixes every binary frame.
const binaryHeaderLen = 4

// ErrShortFrame is returned for binary frames too short to hold the
// event-type tag.
var ErrShortFrame = errors.New("binary frame shorter than event-type header")

// Frame is one inbound message. For text frames Data is the raw JSON;
// for binary frames EventType is the decoded tag and Data the bytes
// after it.
type Frame struct {
	Kind      FrameKind
	EventType uint32
	Data      []byte
}

// DecodeBinary splits a binary WebSocket payload into its event-type
// tag and media bytes.
func DecodeBinary(payload []byte) (Frame, error) {
	if len(payload) < binaryHeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(payload))
	}
	return Frame{
		Kind:      BinaryFrame,
		EventType: binary.BigEndian.Uint32(payload[:binaryHeaderLen]),
		Data:      payload[binaryHeaderLen:],
	}, nil
}

// EncodeBinary is the inverse of [DecodeBinary].
func EncodeBinary(eventType uint32, data []byte) []byte {
	out := make([]byte, binaryHeaderLen+len(data))
	binary.BigEndian.PutUint32(out, eventType)
	copy(out[binaryHeaderLen:], data)
	return out
}
