// Package ingest runs one UDP receive loop per championship: parsing,
// rate-gating and forwarding telemetry packets into a batcher, and tearing
// the whole stack down on timeout, socket error, or an explicit stop.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/paddockstream/telemetry/internal/batcher"
	"github.com/paddockstream/telemetry/internal/broadcast"
	"github.com/paddockstream/telemetry/internal/snapshotcache"
	"github.com/paddockstream/telemetry/internal/telemetry"
)

// BufferSize is the receive buffer per datagram, matching the published
// UDP telemetry packet's maximum size.
const BufferSize = 1460

var (
	// ErrReceivingData is returned when the UDP socket itself errors
	// (not a timeout, not a malformed packet).
	ErrReceivingData = errors.New("ingest: error receiving data")
	// ErrUnsupportedFormat is returned when an inbound packet's
	// packet_format does not match the configured supported game year.
	ErrUnsupportedFormat = errors.New("ingest: unsupported packet format")
)

// ClassificationSink persists a race's FinalClassification payload. The
// concrete implementation lives in internal/store.
type ClassificationSink interface {
	SaveFinalClassification(ctx context.Context, championshipID int32, payload []byte) error
}

// Metrics receives the per-kind packet counters and the batch frame size
// observations this package and its batcher produce. Implemented by
// internal/metrics.Collectors; a nil Metrics is safe (nothing recorded).
type Metrics interface {
	IncReceived(kind string)
	IncDropped(kind string)
	IncMalformed()
	batcher.FrameObserver
}

// Config carries the tunables the spec exposes via environment/config.
type Config struct {
	SocketTimeout     time.Duration
	MotionInterval    time.Duration
	SessionInterval   time.Duration
	HistoryInterval   time.Duration
	BatchInterval     time.Duration
	BatchCapacity     int
	BroadcastCapacity int
	SupportedFormat   uint16
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		SocketTimeout:     15 * time.Minute,
		MotionInterval:    700 * time.Millisecond,
		SessionInterval:   10 * time.Second,
		HistoryInterval:   time.Second,
		BatchInterval:     batcher.DefaultInterval,
		BatchCapacity:     batcher.DefaultCapacity,
		BroadcastCapacity: broadcast.DefaultQueueDepth,
		SupportedFormat:   telemetry.SupportedFormat,
	}
}

// Service is a single championship's live ingest actor: one UDP socket, one
// receive loop goroutine, one batcher tick goroutine, supervised together.
type Service struct {
	ChampionshipID int32
	Port           int

	cfg     Config
	log     *zap.Logger
	conn    *net.UDPConn
	cache   *snapshotcache.Cache
	bcast   *broadcast.Broadcaster
	batch   *batcher.Batcher
	sink    ClassificationSink
	metrics Metrics

	motionLimiter       *rate.Limiter
	sessionLimiter      *rate.Limiter
	participantsLimiter *rate.Limiter

	group  *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// carState tracks the per-car rate-gate state for SessionHistory: a
// dedicated limiter (one history update per HistoryInterval) plus the last
// sector split seen, so an update that repeats that car's previous sectors
// is still suppressed even once the limiter would allow it through.
type carState struct {
	limiter     *rate.Limiter
	lastSectors telemetry.SectorTriple
	haveSectors bool
}

// Start binds a UDP socket on port, wires the codec/cache/batcher/broadcast
// stack, and spawns the receive loop and batcher tick in the background.
// It returns once the socket is bound; receive-loop failures surface later
// through the Done channel, not through this call. metrics may be nil.
func Start(ctx context.Context, championshipID int32, port int, cfg Config, sink ClassificationSink, metrics Metrics, log *zap.Logger) (*Service, error) {
	conn, err := bindWithRetry(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("ingest: bind port %d: %w", port, err)
	}

	cache := snapshotcache.New()
	bcast := broadcast.New(cfg.BroadcastCapacity)
	batch := batcher.New(cache, bcast, metrics, log, cfg.BatchCapacity, cfg.BatchInterval)

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	svc := &Service{
		ChampionshipID:      championshipID,
		Port:                port,
		cfg:                 cfg,
		log:                 log.With(zap.Int32("championship_id", championshipID), zap.Int("port", port)),
		conn:                conn,
		cache:               cache,
		bcast:               bcast,
		batch:               batch,
		sink:                sink,
		metrics:             metrics,
		motionLimiter:       rate.NewLimiter(rate.Every(cfg.MotionInterval), 1),
		sessionLimiter:      rate.NewLimiter(rate.Every(cfg.SessionInterval), 1),
		participantsLimiter: rate.NewLimiter(rate.Every(cfg.SessionInterval), 1),
		group:               group,
		cancel:              cancel,
		done:                make(chan struct{}),
	}

	group.Go(func() error {
		return svc.receiveLoop(runCtx)
	})

	go func() {
		svc.err = group.Wait()
		close(svc.done)
	}()

	svc.log.Info("ingest service started")
	return svc, nil
}

// bindWithRetry binds the UDP socket, retrying on failure with a short
// bounded backoff: a port just released by a prior service's teardown can
// remain briefly unavailable at the kernel level.
func bindWithRetry(ctx context.Context, port int) (*net.UDPConn, error) {
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 4)

	var conn *net.UDPConn
	err := backoff.Retry(func() error {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Cache exposes the snapshot cache for HTTP subscribe handlers.
func (s *Service) Cache() *snapshotcache.Cache { return s.cache }

// Broadcaster exposes the broadcaster for HTTP subscribe handlers.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.bcast }

// Done is closed once the service has fully torn itself down, whether from
// timeout, socket error, unsupported format, or an explicit Stop.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err reports why the receive loop exited: nil for an idle timeout or a
// clean end-of-session (FinalClassification received), non-nil for a
// socket error or unsupported packet format. Only meaningful after Done is
// closed.
func (s *Service) Err() error { return s.err }

// Stop tears the service down: cancels the receive loop, stops the batcher,
// closes the broadcaster and socket. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.cancel()
	s.batch.Stop(ctx)
	s.bcast.Close()
	_ = s.conn.Close()
	<-s.done
}

func (s *Service) receiveLoop(ctx context.Context) error {
	defer func() {
		s.batch.Stop(context.Background())
		s.bcast.Close()
		_ = s.conn.Close()
	}()

	buf := make([]byte, BufferSize)
	carStates := make(map[uint8]*carState, 20)
	var sessionType telemetry.SessionType
	haveSessionType := false

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.log.Info("ingest service idle timeout, stopping")
				return nil
			}
			s.log.Error("udp receive error", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrReceivingData, err)
		}

		packet := buf[:n]
		header, err := telemetry.ParseHeader(packet)
		if err != nil {
			s.log.Warn("dropping short packet", zap.Error(err))
			if s.metrics != nil {
				s.metrics.IncMalformed()
			}
			continue
		}

		if header.PacketFormat != s.cfg.SupportedFormat {
			s.log.Error("unsupported packet format, stopping service",
				zap.Uint16("got", header.PacketFormat), zap.Uint16("want", s.cfg.SupportedFormat))
			return ErrUnsupportedFormat
		}

		if header.SessionUID == 0 {
			continue
		}

		kind, err := telemetry.ParseKind(header.PacketID)
		if err != nil {
			continue // unrecognized kind: accepted off the wire, discarded
		}

		if s.metrics != nil {
			s.metrics.IncReceived(kind.String())
		}

		body := packet[telemetry.HeaderSize:]

		switch kind {
		case telemetry.KindMotion:
			if !s.motionLimiter.Allow() {
				s.incDropped(kind)
				continue
			}
		case telemetry.KindSession:
			if !s.sessionLimiter.Allow() {
				s.incDropped(kind)
				continue
			}
		case telemetry.KindParticipants:
			if !s.participantsLimiter.Allow() {
				s.incDropped(kind)
				continue
			}
		case telemetry.KindEvent:
			if !haveSessionType || !sessionType.IsRace() {
				s.incDropped(kind)
				continue
			}
		}

		typed, err := telemetry.Parse(kind, body)
		if err != nil {
			s.log.Warn("dropping malformed packet body", zap.Stringer("kind", kind), zap.Error(err))
			if s.metrics != nil {
				s.metrics.IncMalformed()
			}
			continue
		}

		switch p := typed.(type) {
		case telemetry.SessionData:
			sessionType = p.Type
			haveSessionType = true
			s.pushOrLog(kind, p.Body, telemetry.NoOptional())

		case telemetry.ParticipantsData:
			s.pushOrLog(kind, p.Body, telemetry.NoOptional())

		case telemetry.MotionData:
			s.pushOrLog(kind, p.Body, telemetry.NoOptional())

		case telemetry.EventData:
			s.pushOrLog(kind, p.Body, telemetry.CodeOptional(p.Code))

		case telemetry.SessionHistoryData:
			cs, ok := carStates[p.CarIdx]
			if !ok {
				cs = &carState{limiter: rate.NewLimiter(rate.Every(s.cfg.HistoryInterval), 1)}
				carStates[p.CarIdx] = cs
			}
			if cs.haveSectors && cs.lastSectors == p.Sectors {
				s.incDropped(kind)
				continue
			}
			if !cs.limiter.Allow() {
				s.incDropped(kind)
				continue
			}
			cs.lastSectors = p.Sectors
			cs.haveSectors = true
			s.pushOrLog(kind, p.Body, telemetry.CarIndexOptional(p.CarIdx))

		case telemetry.FinalClassificationData:
			s.pushOrLog(kind, p.Body, telemetry.NoOptional())
			if haveSessionType && sessionType.IsRace() {
				s.log.Info("final classification received for race session, persisting")
				if s.sink != nil {
					if err := s.sink.SaveFinalClassification(ctx, s.ChampionshipID, p.Body); err != nil {
						s.log.Error("failed to persist final classification", zap.Error(err))
					}
				}
				return nil
			}

		default:
			// CarDamage/CarTelemetry/CarStatus: accepted, never relayed.
		}
	}
}

func (s *Service) incDropped(kind telemetry.PacketKind) {
	if s.metrics != nil {
		s.metrics.IncDropped(kind.String())
	}
}

func (s *Service) pushOrLog(kind telemetry.PacketKind, body []byte, optional telemetry.Optional) {
	msg, err := telemetry.Encode(kind, body, optional)
	if err != nil {
		s.log.Warn("encode failed, dropping message", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	s.batch.Push(msg)
}
