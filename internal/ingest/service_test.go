package ingest

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/telemetry"
)

type fakeSink struct {
	ch chan []byte
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan []byte, 4)} }

func (f *fakeSink) SaveFinalClassification(ctx context.Context, championshipID int32, payload []byte) error {
	f.ch <- payload
	return nil
}

func buildPacket(packetID uint8, sessionUID uint64, body []byte) []byte {
	buf := make([]byte, telemetry.HeaderSize+len(body))
	binary.LittleEndian.PutUint16(buf[0:2], telemetry.SupportedFormat)
	buf[5] = packetID
	binary.LittleEndian.PutUint64(buf[6:14], sessionUID)
	copy(buf[telemetry.HeaderSize:], body)
	return buf
}

func startTestService(t *testing.T, sink ClassificationSink) (*Service, *net.UDPConn) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketTimeout = 2 * time.Second
	cfg.MotionInterval = 0
	cfg.SessionInterval = 0
	cfg.HistoryInterval = 0
	cfg.BatchInterval = 20 * time.Millisecond

	svc, err := Start(context.Background(), 1, 0, cfg, sink, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		svc.Stop(context.Background())
	})

	client, err := net.DialUDP("udp", nil, svc.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return svc, client
}

func TestServiceDropsPacketWithZeroSessionUID(t *testing.T) {
	svc, client := startTestService(t, nil)
	body := make([]byte, 10)
	pkt := buildPacket(uint8(telemetry.KindMotion), 0, body)
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if !svc.Cache().IsEmpty() {
		t.Fatal("expected packet with session_uid==0 to be dropped")
	}
}

func TestServiceSavesMotionIntoCache(t *testing.T) {
	svc, client := startTestService(t, nil)
	body := make([]byte, 10)
	pkt := buildPacket(uint8(telemetry.KindMotion), 42, body)
	if _, err := client.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !svc.Cache().IsEmpty() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if svc.Cache().IsEmpty() {
		t.Fatal("expected motion packet to populate the cache")
	}
}

func TestServiceStopsOnUnsupportedFormat(t *testing.T) {
	svc, client := startTestService(t, nil)

	buf := make([]byte, telemetry.HeaderSize+4)
	binary.LittleEndian.PutUint16(buf[0:2], 1999) // wrong format
	buf[5] = uint8(telemetry.KindMotion)
	binary.LittleEndian.PutUint64(buf[6:14], 42)
	if _, err := client.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("expected service to stop on unsupported packet format")
	}
}

func TestServicePersistsFinalClassificationForRaceSession(t *testing.T) {
	sink := newFakeSink()
	svc, client := startTestService(t, sink)

	sessionBody := make([]byte, 7)
	sessionBody[6] = uint8(telemetry.SessionR)
	sessionPkt := buildPacket(uint8(telemetry.KindSession), 7, sessionBody)
	if _, err := client.Write(sessionPkt); err != nil {
		t.Fatalf("write session: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	classBody := make([]byte, 1+22*45)
	classPkt := buildPacket(uint8(telemetry.KindFinalClassification), 7, classBody)
	if _, err := client.Write(classPkt); err != nil {
		t.Fatalf("write classification: %v", err)
	}

	select {
	case payload := <-sink.ch:
		if len(payload) != len(classBody) {
			t.Fatalf("persisted payload length = %d, want %d", len(payload), len(classBody))
		}
	case <-time.After(time.Second):
		t.Fatal("expected final classification to be persisted")
	}

	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("expected service to stop after race final classification")
	}
}
