package telemetry

import "encoding/binary"

// Fixed body layout offsets/sizes for the packet kinds the live view cares
// about. Implementations must not assume any alignment of buf beyond byte,
// so every multi-byte field is read with encoding/binary rather than a cast.
const (
	sessionBodyMinSize   = 7 // weather,trackTemp,airTemp,totalLaps,trackLength(u16),sessionType
	sessionTypeOffset    = 6
	participantsMinSize  = 1
	eventBodyMinSize     = 4 // the 4-byte event string code
	historyHeaderSize    = 7 // carIdx,numLaps,numTyreStints,4 best-lap-num fields
	historyLapStride     = 10
	finalClassCarSize    = 45
	finalClassNumCarSlot = 22
	finalClassMinSize    = 1 + finalClassNumCarSlot*finalClassCarSize
)

// Parse decodes the body of a packet (buf with the common header already
// stripped) according to kind. It never panics; malformed bodies return
// ErrMalformedBody so the caller can log and skip without tearing the
// service down.
func Parse(kind PacketKind, body []byte) (TypedPacket, error) {
	switch kind {
	case KindMotion:
		return MotionData{Body: body}, nil

	case KindSession:
		if len(body) < sessionBodyMinSize {
			return nil, ErrMalformedBody
		}
		return SessionData{
			Type: ParseSessionType(body[sessionTypeOffset]),
			Body: body,
		}, nil

	case KindParticipants:
		if len(body) < participantsMinSize {
			return nil, ErrMalformedBody
		}
		return ParticipantsData{
			NumActiveCars: body[0],
			Body:          body,
		}, nil

	case KindEvent:
		if len(body) < eventBodyMinSize {
			return nil, ErrMalformedBody
		}
		var code [4]byte
		copy(code[:], body[:4])
		return EventData{Code: code, Body: body}, nil

	case KindSessionHistory:
		if len(body) < historyHeaderSize {
			return nil, ErrMalformedBody
		}
		carIdx := body[0]
		numLaps := body[1]
		if numLaps == 0 {
			return nil, ErrMalformedBody
		}
		lapIdx := int(numLaps) - 1
		need := historyHeaderSize + (lapIdx+1)*historyLapStride
		if len(body) < need {
			return nil, ErrMalformedBody
		}
		off := historyHeaderSize + lapIdx*historyLapStride + 4 // skip lap_time_in_ms
		sectors := SectorTriple{
			Sector1: binary.LittleEndian.Uint16(body[off : off+2]),
			Sector2: binary.LittleEndian.Uint16(body[off+2 : off+4]),
			Sector3: binary.LittleEndian.Uint16(body[off+4 : off+6]),
		}
		return SessionHistoryData{
			CarIdx:  carIdx,
			NumLaps: numLaps,
			Sectors: sectors,
			Body:    body,
		}, nil

	case KindFinalClassification:
		if len(body) < finalClassMinSize {
			return nil, ErrMalformedBody
		}
		return FinalClassificationData{Body: body}, nil

	case KindCarDamage:
		return CarDamageData{Body: body}, nil

	case KindCarTelemetry:
		return CarTelemetryData{Body: body}, nil

	case KindCarStatus:
		return CarStatusData{Body: body}, nil

	default:
		return nil, ErrUnknownKind
	}
}

// Encode builds the OutboundMessage carried downstream to the snapshot
// cache, the batcher and ultimately the subscribers. The payload is the
// packet's body, forwarded unchanged — the compact outbound format only
// needs the kind and optional key to make the payload self-describing once
// it reaches the framed batch; it does not need to be re-parsed.
func Encode(kind PacketKind, body []byte, optional Optional) (OutboundMessage, error) {
	if body == nil {
		return OutboundMessage{}, ErrMalformedBody
	}
	payload := make([]byte, len(body))
	copy(payload, body)
	return OutboundMessage{Kind: kind, Payload: payload, Optional: optional}, nil
}
