// Package batcher accumulates decoded outbound messages and, on a fixed
// tick, coalesces them into one compressed frame handed to the broadcaster.
package batcher

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/paddockstream/telemetry/internal/snapshotcache"
	"github.com/paddockstream/telemetry/internal/telemetry"
)

// DefaultCapacity is the soft accumulator capacity before same-kind
// coalescing kicks in.
const DefaultCapacity = 1024

// DefaultInterval is the default tick period between batches.
const DefaultInterval = 700 * time.Millisecond

// Sink receives a compressed frame and reports how many live subscribers
// exist, so the batcher can skip encoding work when nobody is listening.
type Sink interface {
	Publish(frame []byte)
	SubscriberCount() int
}

// FrameObserver records the size of each compressed frame published.
// Implemented by internal/metrics.Collectors; a nil FrameObserver is safe
// (frames simply aren't observed).
type FrameObserver interface {
	ObserveFrameBytes(n int)
}

// Batcher accumulates OutboundMessages and, once per Interval, swaps the
// accumulator, frames it, compresses it, and publishes it to Sink if anyone
// is subscribed. Every pushed message is also saved into Cache so a
// newly-joining subscriber can catch up without replay.
type Batcher struct {
	cache    *snapshotcache.Cache
	sink     Sink
	obs      FrameObserver
	log      *zap.Logger
	capacity int
	interval time.Duration

	mu      sync.Mutex
	pending []telemetry.OutboundMessage

	encoder *zstd.Encoder

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New starts a Batcher's tick loop in a background goroutine. Stop must be
// called to release it. obs may be nil.
func New(cache *snapshotcache.Cache, sink Sink, obs FrameObserver, log *zap.Logger, capacity int, interval time.Duration) *Batcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		// zstd.NewWriter(nil) only fails on invalid options, which this
		// constructor never passes.
		panic(err)
	}

	b := &Batcher{
		cache:    cache,
		sink:     sink,
		obs:      obs,
		log:      log,
		capacity: capacity,
		interval: interval,
		pending:  make([]telemetry.OutboundMessage, 0, capacity),
		encoder:  enc,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Push appends msg to the accumulator and saves it into the snapshot cache.
// O(1) except for the rare case the soft capacity is exceeded, in which
// case same-kind entries are coalesced to bound memory.
func (b *Batcher) Push(msg telemetry.OutboundMessage) {
	b.cache.Save(msg)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, msg)
	if len(b.pending) > b.capacity {
		b.pending = coalesce(b.pending)
	}
}

// coalesce keeps only the most recent entry per (kind, optional) pair,
// preserving first-occurrence order. Ordering within a tick is not
// observable to consumers, so this is safe even though it reorders by
// last-write position.
func coalesce(messages []telemetry.OutboundMessage) []telemetry.OutboundMessage {
	type key struct {
		kind telemetry.PacketKind
		opt  telemetry.Optional
	}
	latest := make(map[key]telemetry.OutboundMessage, len(messages))
	var order []key
	for _, m := range messages {
		k := key{kind: m.Kind, opt: m.Optional}
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		latest[k] = m
	}
	out := make([]telemetry.OutboundMessage, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			b.tick() // drain one final time
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Batcher) tick() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	taken := b.pending
	b.pending = make([]telemetry.OutboundMessage, 0, b.capacity)
	b.mu.Unlock()

	if b.sink.SubscriberCount() == 0 {
		return
	}

	framed := telemetry.EncodeBatch(taken)

	var buf bytes.Buffer
	b.encoder.Reset(&buf)
	if _, err := b.encoder.Write(framed); err != nil {
		b.log.Warn("batch compression failed, dropping batch", zap.Error(err))
		return
	}
	if err := b.encoder.Close(); err != nil {
		b.log.Warn("batch compression failed, dropping batch", zap.Error(err))
		return
	}

	if b.obs != nil {
		b.obs.ObserveFrameBytes(buf.Len())
	}
	b.sink.Publish(buf.Bytes())
}

// Stop halts the tick loop, draining one final batch, and waits for the
// background goroutine to exit. Safe to call more than once.
func (b *Batcher) Stop(ctx context.Context) {
	b.once.Do(func() { close(b.stop) })
	select {
	case <-b.done:
	case <-ctx.Done():
	}
}
