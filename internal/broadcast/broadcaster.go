// Package broadcast fans out opaque compressed batch frames to any number
// of subscribers, each with its own bounded, lossy queue: a slow or stalled
// subscriber never blocks the others or the publisher.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultQueueDepth is the default per-subscriber channel capacity.
const DefaultQueueDepth = 50

// Subscription is a single subscriber's inbound frame queue. Frames arrive
// on Frames; the subscriber calls Unsubscribe to release its slot, which
// closes Frames.
type Subscription struct {
	ID     uuid.UUID
	Frames <-chan []byte

	b *Broadcaster
}

// Unsubscribe removes the subscription from its broadcaster. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.b.unsubscribe(s.ID)
}

// Broadcaster is a many-producer (in practice one: the owning service's
// batcher tick), many-consumer fan-out of frames.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan []byte
	queueDepth  int
}

// New returns a Broadcaster whose subscriber queues each hold queueDepth
// frames. queueDepth <= 0 falls back to DefaultQueueDepth.
func New(queueDepth int) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]chan []byte),
		queueDepth:  queueDepth,
	}
}

// Subscribe allocates a new bounded queue and returns a handle to it.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan []byte, b.queueDepth)
	id := uuid.New()

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return &Subscription{ID: id, Frames: ch, b: b}
}

func (b *Broadcaster) unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish enqueues frame into every live subscription. A subscription whose
// queue is full has its oldest queued frame dropped to make room: live
// telemetry prefers freshness over completeness. Publish never blocks.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			// queue full: drop the oldest frame to make room, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
				// another goroutine raced us to the slot; the frame is lost,
				// which is within the documented lossy-subscriber contract.
			}
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes every live subscriber, closing their channels so
// in-flight reads observe the broadcaster shutting down.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[uuid.UUID]chan []byte)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
