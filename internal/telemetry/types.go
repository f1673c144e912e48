package telemetry

// SectorTriple is a lap's three sector times in milliseconds, as carried by
// a SessionHistory packet. Two triples compare equal when every sector
// matches, which is exactly the dedup rule the receive loop applies.
type SectorTriple struct {
	Sector1 uint16
	Sector2 uint16
	Sector3 uint16
}

// TypedPacket is implemented by every decoded packet body. Kind lets callers
// dispatch without a type switch when only the kind matters.
type TypedPacket interface {
	Kind() PacketKind
}

// MotionData is the decoded body of a Motion packet. The live view only
// ever relays the raw body onward, so the body is not decoded or checked.
type MotionData struct{ Body []byte }

func (MotionData) Kind() PacketKind { return KindMotion }

// SessionData is the decoded body of a Session packet. Type drives both the
// Event-emission gate and the SessionType tracked by the receive loop.
type SessionData struct {
	Type SessionType
	Body []byte
}

func (SessionData) Kind() PacketKind { return KindSession }

// ParticipantsData is the decoded body of a Participants packet.
type ParticipantsData struct {
	NumActiveCars uint8
	Body          []byte
}

func (ParticipantsData) Kind() PacketKind { return KindParticipants }

// EventData is the decoded body of an Event packet. Code is the 4-byte
// event string code used both as the snapshot cache's dedup key and as the
// OutboundMessage's optional parameter.
type EventData struct {
	Code [4]byte
	Body []byte
}

func (EventData) Kind() PacketKind { return KindEvent }

// SessionHistoryData is the decoded body of a SessionHistory packet, with
// the latest lap's sector triple already extracted for the rate gate.
type SessionHistoryData struct {
	CarIdx  uint8
	NumLaps uint8
	Sectors SectorTriple
	Body    []byte
}

func (SessionHistoryData) Kind() PacketKind { return KindSessionHistory }

// FinalClassificationData is the decoded body of a FinalClassification
// packet, emitted once per race at the end of a session.
type FinalClassificationData struct{ Body []byte }

func (FinalClassificationData) Kind() PacketKind { return KindFinalClassification }

// CarDamageData, CarTelemetryData and CarStatusData are accepted off the
// wire (so the receive loop can advance past them) but never enter the
// snapshot cache or the broadcast stream.
type CarDamageData struct{ Body []byte }

func (CarDamageData) Kind() PacketKind { return KindCarDamage }

type CarTelemetryData struct{ Body []byte }

func (CarTelemetryData) Kind() PacketKind { return KindCarTelemetry }

type CarStatusData struct{ Body []byte }

func (CarStatusData) Kind() PacketKind { return KindCarStatus }
