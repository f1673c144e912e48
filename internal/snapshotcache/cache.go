// Package snapshotcache holds the latest-known state of a single
// championship's live telemetry, so a subscriber that joins mid-session can
// render immediately instead of waiting for the next batch of every kind.
package snapshotcache

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/paddockstream/telemetry/internal/telemetry"
)

// Cache is the per-service "latest state" store. The owning service's
// receive loop is the single writer; Snapshot is safe to call from any
// number of concurrent HTTP subscribe handlers.
type Cache struct {
	mu sync.RWMutex

	motion              *telemetry.OutboundMessage
	session             *telemetry.OutboundMessage
	participants        *telemetry.OutboundMessage
	finalClassification *telemetry.OutboundMessage

	// events preserves first-seen order; at most one entry per code.
	eventOrder []string // 4-byte code, string-keyed for map lookup
	events     map[string]telemetry.OutboundMessage

	// sessionHistory is keyed by car index.
	historyOrder   []uint8
	sessionHistory map[uint8]telemetry.OutboundMessage
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		events:         make(map[string]telemetry.OutboundMessage),
		sessionHistory: make(map[uint8]telemetry.OutboundMessage),
	}
}

// Save writes msg into the slot selected by msg.Kind. Singleton slots
// overwrite; keyed slots (Event by code, SessionHistory by car index) dedupe
// on their key, last-write-wins.
func (c *Cache) Save(msg telemetry.OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Kind {
	case telemetry.KindMotion:
		c.motion = &msg
	case telemetry.KindSession:
		c.session = &msg
	case telemetry.KindParticipants:
		c.participants = &msg
	case telemetry.KindFinalClassification:
		c.finalClassification = &msg
	case telemetry.KindEvent:
		key := string(msg.Optional.Code[:])
		if _, exists := c.events[key]; !exists {
			c.eventOrder = append(c.eventOrder, key)
		}
		c.events[key] = msg
	case telemetry.KindSessionHistory:
		idx := msg.Optional.CarIndex
		if _, exists := c.sessionHistory[idx]; !exists {
			c.historyOrder = append(c.historyOrder, idx)
		}
		c.sessionHistory[idx] = msg
	default:
		// kinds that never enter the live view are silently ignored
	}
}

// Snapshot returns the compressed, framed concatenation of every occupied
// slot in the fixed order (Session, Participants, Motion, Events,
// SessionHistory, FinalClassification), or nil if every slot is empty. The
// cache itself is not mutated; Snapshot takes its own read lock, so it is
// safe to call concurrently with Save and with other Snapshot calls.
func (c *Cache) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var messages []telemetry.OutboundMessage
	if c.session != nil {
		messages = append(messages, *c.session)
	}
	if c.participants != nil {
		messages = append(messages, *c.participants)
	}
	if c.motion != nil {
		messages = append(messages, *c.motion)
	}
	for _, key := range c.eventOrder {
		messages = append(messages, c.events[key])
	}
	for _, idx := range c.historyOrder {
		messages = append(messages, c.sessionHistory[idx])
	}
	if c.finalClassification != nil {
		messages = append(messages, *c.finalClassification)
	}

	if len(messages) == 0 {
		return nil, nil
	}

	framed := telemetry.EncodeBatch(messages)

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(framed); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses the zstd framing Snapshot (and the batcher) produce,
// returning the length-prefixed OutboundMessage frame. Used by tests and by
// anything else that needs to inspect a snapshot's contents.
func Decompress(frame []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// IsEmpty reports whether every slot is currently unset.
func (c *Cache) IsEmpty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.motion == nil && c.session == nil && c.participants == nil &&
		c.finalClassification == nil && len(c.events) == 0 && len(c.sessionHistory) == 0
}
