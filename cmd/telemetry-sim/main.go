// Command telemetry-sim emits synthetic UDP telemetry datagrams shaped like
// the wire format internal/telemetry decodes, for manual testing and
// integration tests against a running telemetryd.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/paddockstream/telemetry/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:27700", "destination host:port")
	sessionUID := flag.Uint64("session-uid", 1, "session_uid to stamp every packet with")
	rate := flag.Duration("rate", 20*time.Millisecond, "inter-packet send interval")
	raceSession := flag.Bool("race", true, "stamp the session as a race (SessionR) so events and final classification flow")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	flag.Parse()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("[sim] dial %s: %v", *addr, err)
	}
	defer conn.Close()

	sessionType := telemetry.SessionP1
	if *raceSession {
		sessionType = telemetry.SessionR
	}

	log.Printf("[sim] sending to %s every %s, session_uid=%d", *addr, *rate, *sessionUID)

	send(conn, buildSession(*sessionUID, sessionType))

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	deadline := time.Time{}
	if *duration > 0 {
		deadline = time.Now().Add(*duration)
	}

	var frame uint32
	for range ticker.C {
		if !deadline.IsZero() && time.Now().After(deadline) {
			send(conn, buildFinalClassification(*sessionUID))
			return
		}

		send(conn, buildMotion(*sessionUID))
		send(conn, buildParticipants(*sessionUID))
		if frame%5 == 0 {
			send(conn, buildSessionHistory(*sessionUID, uint8(frame/5%20)))
		}
		frame++
	}
}

func send(conn net.Conn, pkt []byte) {
	if _, err := conn.Write(pkt); err != nil {
		log.Printf("[sim] write: %v", err)
	}
}

func header(packetID uint8, sessionUID uint64) []byte {
	buf := make([]byte, telemetry.HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], telemetry.SupportedFormat)
	buf[5] = packetID
	binary.LittleEndian.PutUint64(buf[6:14], sessionUID)
	return buf
}

func buildMotion(sessionUID uint64) []byte {
	body := make([]byte, 120)
	for i := range body {
		body[i] = byte(rand.Intn(256))
	}
	return append(header(uint8(telemetry.KindMotion), sessionUID), body...)
}

func buildSession(sessionUID uint64, sessionType telemetry.SessionType) []byte {
	body := make([]byte, 12)
	body[6] = uint8(sessionType)
	return append(header(uint8(telemetry.KindSession), sessionUID), body...)
}

func buildParticipants(sessionUID uint64) []byte {
	body := make([]byte, 40)
	body[0] = 20 // num active cars
	return append(header(uint8(telemetry.KindParticipants), sessionUID), body...)
}

func buildSessionHistory(sessionUID uint64, carIdx uint8) []byte {
	numLaps := uint8(1)
	body := make([]byte, 7+int(numLaps)*10)
	body[0] = carIdx
	body[1] = numLaps
	off := 7 + 4 // skip lap header + lap_time_in_ms
	binary.LittleEndian.PutUint16(body[off:off+2], uint16(29000+rand.Intn(2000)))
	binary.LittleEndian.PutUint16(body[off+2:off+4], uint16(30000+rand.Intn(2000)))
	binary.LittleEndian.PutUint16(body[off+4:off+6], uint16(31000+rand.Intn(2000)))
	return append(header(uint8(telemetry.KindSessionHistory), sessionUID), body...)
}

func buildFinalClassification(sessionUID uint64) []byte {
	body := make([]byte, 1+22*45)
	return append(header(uint8(telemetry.KindFinalClassification), sessionUID), body...)
}
