// Package telemetry implements the wire format of the inbound UDP telemetry
// stream and the compact outbound message format used by the broadcast
// pipeline. Every function here is pure: byte slices in, values or errors
// out, no I/O and no shared state.
package telemetry

import (
	"encoding/binary"
	"errors"
)

// SupportedFormat is the only packet_format this build of the ingest engine
// accepts. A mismatch terminates the owning service (spec: UnsupportedFormat).
const SupportedFormat uint16 = 2023

// HeaderSize is the byte length of the common packet header on the wire:
// packet_format(u16) + game_major(u8) + game_minor(u8) + packet_version(u8)
// + packet_id(u8) + session_uid(u64) + session_time(f32) +
// frame_identifier(u32) + player_car_index(u8) + secondary_player_car_index(u8).
const HeaderSize = 2 + 1 + 1 + 1 + 1 + 8 + 4 + 4 + 1 + 1

const headerSize = HeaderSize

var (
	// ErrShortBuffer is returned by ParseHeader when a packet is too small
	// to contain a complete header.
	ErrShortBuffer = errors.New("telemetry: buffer too short")
	// ErrUnknownKind is returned by ParseKind (and Parse) when packet_id does
	// not map to any PacketKind known to this build.
	ErrUnknownKind = errors.New("telemetry: unknown packet id")
	// ErrMalformedBody is returned by decoders when a buffer has a valid
	// header but a body that fails internal consistency checks (e.g. a lap
	// index out of range). Callers must log and skip, never tear down.
	ErrMalformedBody = errors.New("telemetry: malformed packet body")
)

// Header is the common prefix shared by every inbound packet kind.
type Header struct {
	PacketFormat   uint16
	PacketID       uint8
	SessionUID     uint64
	FrameID        uint32
	PlayerCarIndex uint8
}

// ParseHeader parses the common header from buf. It rejects buffers shorter
// than the fixed header size but does not validate PacketFormat or map
// PacketID to a PacketKind — callers do that explicitly so an unsupported
// format can be distinguished from a too-short buffer.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, ErrShortBuffer
	}

	var h Header
	h.PacketFormat = binary.LittleEndian.Uint16(buf[0:2])
	h.PacketID = buf[5]
	h.SessionUID = binary.LittleEndian.Uint64(buf[6:14])
	h.FrameID = binary.LittleEndian.Uint32(buf[18:22])
	h.PlayerCarIndex = buf[22]
	return h, nil
}

// PacketKind is the closed set of inbound packet kinds the ingest engine
// recognizes. Kinds outside this set are accepted off the wire (to advance
// past them) and then discarded.
type PacketKind uint8

const (
	KindMotion PacketKind = iota
	KindSession
	KindLapData // accepted, discarded: not part of the live view
	KindEvent
	KindParticipants
	KindCarSetups // accepted, discarded
	KindCarTelemetry
	KindCarStatus
	KindFinalClassification
	KindLobbyInfo // accepted, discarded
	KindCarDamage
	KindSessionHistory
	kindCount
)

// liveKinds is the subset of PacketKind that participates in the snapshot
// cache and the live broadcast stream, per the data model's closed set.
var liveKinds = map[PacketKind]bool{
	KindMotion:              true,
	KindSession:              true,
	KindParticipants:         true,
	KindEvent:                true,
	KindSessionHistory:       true,
	KindFinalClassification:  true,
}

// ParseKind maps a wire packet_id to a PacketKind. Unknown ids (future
// packet types, or noise) return ErrUnknownKind; the receive loop skips
// them without tearing the service down.
func ParseKind(packetID uint8) (PacketKind, error) {
	if packetID >= uint8(kindCount) {
		return 0, ErrUnknownKind
	}
	return PacketKind(packetID), nil
}

// ParticipatesInLiveView reports whether kind is one of the kinds the
// snapshot cache and broadcaster ever see (the others are parsed only far
// enough to be skipped).
func (k PacketKind) ParticipatesInLiveView() bool {
	return liveKinds[k]
}

// String names the kind for logs and metrics labels.
func (k PacketKind) String() string {
	switch k {
	case KindMotion:
		return "motion"
	case KindSession:
		return "session"
	case KindLapData:
		return "lap_data"
	case KindEvent:
		return "event"
	case KindParticipants:
		return "participants"
	case KindCarSetups:
		return "car_setups"
	case KindCarTelemetry:
		return "car_telemetry"
	case KindCarStatus:
		return "car_status"
	case KindFinalClassification:
		return "final_classification"
	case KindLobbyInfo:
		return "lobby_info"
	case KindCarDamage:
		return "car_damage"
	case KindSessionHistory:
		return "session_history"
	default:
		return "unknown"
	}
}

// SessionType is the closed set of session types carried by Session packets.
// Only the race variants unlock Event emission and end-of-race persistence.
type SessionType uint8

const (
	SessionUnknown SessionType = iota
	SessionP1
	SessionP2
	SessionP3
	SessionShortP
	SessionQ1
	SessionQ2
	SessionQ3
	SessionShortQ
	SessionOSQ
	SessionR
	SessionR2
	SessionR3
	SessionTimeTrial
)

// IsRace reports whether s is one of the race variants {R, R2, R3}.
func (s SessionType) IsRace() bool {
	return s == SessionR || s == SessionR2 || s == SessionR3
}

// ParseSessionType maps the wire session_type byte to a SessionType. Values
// outside the known table are preserved as SessionUnknown rather than an
// error — session type gates a feature (Event emission), it never tears
// down the service.
func ParseSessionType(raw uint8) SessionType {
	if raw <= uint8(SessionTimeTrial) {
		return SessionType(raw)
	}
	return SessionUnknown
}
