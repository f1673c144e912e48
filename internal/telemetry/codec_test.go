package telemetry

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildHeader(format uint16, packetID uint8, sessionUID uint64) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], format)
	buf[5] = packetID
	binary.LittleEndian.PutUint64(buf[6:14], sessionUID)
	return buf
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	if err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestParseHeaderReadsFields(t *testing.T) {
	buf := buildHeader(SupportedFormat, 1, 12345)
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.PacketFormat != SupportedFormat {
		t.Fatalf("packet format = %d, want %d", h.PacketFormat, SupportedFormat)
	}
	if h.PacketID != 1 {
		t.Fatalf("packet id = %d, want 1", h.PacketID)
	}
	if h.SessionUID != 12345 {
		t.Fatalf("session uid = %d, want 12345", h.SessionUID)
	}
}

func TestParseKindUnknown(t *testing.T) {
	if _, err := ParseKind(255); err != ErrUnknownKind {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestParseSessionRejectsShortBody(t *testing.T) {
	_, err := Parse(KindSession, []byte{0, 0, 0})
	if err != ErrMalformedBody {
		t.Fatalf("expected ErrMalformedBody, got %v", err)
	}
}

func TestParseSessionExtractsType(t *testing.T) {
	body := make([]byte, sessionBodyMinSize)
	body[sessionTypeOffset] = uint8(SessionR)
	typed, err := Parse(KindSession, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sd := typed.(SessionData)
	if sd.Type != SessionR {
		t.Fatalf("session type = %v, want SessionR", sd.Type)
	}
	if !sd.Type.IsRace() {
		t.Fatalf("expected SessionR to be a race session")
	}
}

func TestParseEventExtractsCode(t *testing.T) {
	body := []byte{'F', 'T', 'L', 'P', 0xAA}
	typed, err := Parse(KindEvent, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ed := typed.(EventData)
	if !bytes.Equal(ed.Code[:], []byte("FTLP")) {
		t.Fatalf("event code = %q, want FTLP", ed.Code)
	}
}

func TestParseSessionHistoryExtractsSectorsOfLatestLap(t *testing.T) {
	body := make([]byte, historyHeaderSize+2*historyLapStride)
	body[0] = 5  // car idx
	body[1] = 2  // num laps -> lap index 1
	lapOff := historyHeaderSize + 1*historyLapStride
	binary.LittleEndian.PutUint32(body[lapOff:lapOff+4], 93500)    // lap time
	binary.LittleEndian.PutUint16(body[lapOff+4:lapOff+6], 30100)  // sector1
	binary.LittleEndian.PutUint16(body[lapOff+6:lapOff+8], 31200)  // sector2
	binary.LittleEndian.PutUint16(body[lapOff+8:lapOff+10], 32300) // sector3

	typed, err := Parse(KindSessionHistory, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hd := typed.(SessionHistoryData)
	if hd.CarIdx != 5 {
		t.Fatalf("car idx = %d, want 5", hd.CarIdx)
	}
	want := SectorTriple{Sector1: 30100, Sector2: 31200, Sector3: 32300}
	if hd.Sectors != want {
		t.Fatalf("sectors = %+v, want %+v", hd.Sectors, want)
	}
}

func TestParseSessionHistoryRejectsZeroLaps(t *testing.T) {
	body := make([]byte, historyHeaderSize)
	body[1] = 0
	if _, err := Parse(KindSessionHistory, body); err != ErrMalformedBody {
		t.Fatalf("expected ErrMalformedBody, got %v", err)
	}
}

func TestEncodeCopiesPayload(t *testing.T) {
	body := []byte{1, 2, 3}
	msg, err := Encode(KindMotion, body, NoOptional())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body[0] = 99 // mutate source after encoding
	if msg.Payload[0] != 1 {
		t.Fatalf("Encode must copy the payload, got aliasing")
	}
}

func TestEncodeBatchRoundTrip(t *testing.T) {
	messages := []OutboundMessage{
		{Kind: KindSession, Payload: []byte("session"), Optional: NoOptional()},
		{Kind: KindEvent, Payload: []byte("event-body"), Optional: CodeOptional([4]byte{'F', 'T', 'L', 'P'})},
		{Kind: KindSessionHistory, Payload: []byte("history"), Optional: CarIndexOptional(7)},
	}

	frame := EncodeBatch(messages)
	decoded, err := DecodeBatch(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(messages) {
		t.Fatalf("decoded %d messages, want %d", len(decoded), len(messages))
	}
	for i, want := range messages {
		got := decoded[i]
		if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) || got.Optional != want.Optional {
			t.Fatalf("message %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestDecodeBatchRejectsTruncatedFrame(t *testing.T) {
	if _, err := DecodeBatch([]byte{1, 0, 0, 0}); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}
