package telemetry

import (
	"encoding/binary"
	"fmt"
)

// OptionalKind disambiguates which, if any, extra key rides along with an
// OutboundMessage so multi-instance kinds (Events keyed by code,
// SessionHistory keyed by car index) can be told apart inside a snapshot.
type OptionalKind uint8

const (
	OptionalNone OptionalKind = iota
	OptionalCode
	OptionalCarIndex
)

// Optional carries the disambiguating key for an OutboundMessage. At most
// one of Code/CarIndex is meaningful, selected by Kind (neither for
// OptionalNone).
type Optional struct {
	Kind     OptionalKind
	Code     [4]byte
	CarIndex uint8
}

// NoOptional is the zero value: no disambiguating key.
func NoOptional() Optional { return Optional{Kind: OptionalNone} }

// CodeOptional builds an Optional carrying an event string code.
func CodeOptional(code [4]byte) Optional { return Optional{Kind: OptionalCode, Code: code} }

// CarIndexOptional builds an Optional carrying a car index.
func CarIndexOptional(idx uint8) Optional { return Optional{Kind: OptionalCarIndex, CarIndex: idx} }

// OutboundMessage is one decoded, re-encoded unit headed for the batcher,
// the snapshot cache, and eventually a subscriber.
type OutboundMessage struct {
	Kind     PacketKind
	Payload  []byte
	Optional Optional
}

// wire framing for one message inside a batch:
//   kind(1) optionalKind(1) optionalKey(4, only meaningful per optionalKind)
//   payloadLen(4, LE) payload(payloadLen)
const messageFrameHeaderSize = 1 + 1 + 4 + 4

// EncodeBatch concatenates messages into one length-prefixed frame. The
// frame is opaque to subscribers; only PacketBatcher and SnapshotCache ever
// build or parse it.
func EncodeBatch(messages []OutboundMessage) []byte {
	size := 4 // message count
	for _, m := range messages {
		size += messageFrameHeaderSize + len(m.Payload)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(messages)))
	off := 4
	for _, m := range messages {
		buf[off] = byte(m.Kind)
		buf[off+1] = byte(m.Optional.Kind)
		switch m.Optional.Kind {
		case OptionalCode:
			copy(buf[off+2:off+6], m.Optional.Code[:])
		case OptionalCarIndex:
			buf[off+2] = m.Optional.CarIndex
		}
		binary.LittleEndian.PutUint32(buf[off+6:off+10], uint32(len(m.Payload)))
		off += messageFrameHeaderSize
		copy(buf[off:off+len(m.Payload)], m.Payload)
		off += len(m.Payload)
	}
	return buf
}

// DecodeBatch parses a frame produced by EncodeBatch back into its messages.
// Used by tests (and the snapshot-sufficiency property) to verify that a
// frame round-trips to exactly the messages that built it.
func DecodeBatch(buf []byte) ([]OutboundMessage, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("telemetry: batch frame too short")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	messages := make([]OutboundMessage, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+messageFrameHeaderSize > len(buf) {
			return nil, fmt.Errorf("telemetry: truncated batch frame header")
		}
		kind := PacketKind(buf[off])
		optKind := OptionalKind(buf[off+1])
		var optional Optional
		switch optKind {
		case OptionalCode:
			var code [4]byte
			copy(code[:], buf[off+2:off+6])
			optional = CodeOptional(code)
		case OptionalCarIndex:
			optional = CarIndexOptional(buf[off+2])
		default:
			optional = NoOptional()
		}
		payloadLen := binary.LittleEndian.Uint32(buf[off+6 : off+10])
		off += messageFrameHeaderSize
		if off+int(payloadLen) > len(buf) {
			return nil, fmt.Errorf("telemetry: truncated batch frame payload")
		}
		payload := make([]byte, payloadLen)
		copy(payload, buf[off:off+int(payloadLen)])
		off += int(payloadLen)
		messages = append(messages, OutboundMessage{Kind: kind, Payload: payload, Optional: optional})
	}
	return messages, nil
}
