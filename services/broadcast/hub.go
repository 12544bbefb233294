package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Event is one relayed notification. Dispatch publishes response
// fragments and halt notices here so connected observers can mirror the
// conversation in real time.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Event types published by the dispatch pipeline.
const (
	EventFragment = "fragment"
	EventHalted   = "halted"
	EventDone     = "done"
)

const subscriberBuffer = 64

// Hub fans events out to subscribers. Delivery is best effort: a
// subscriber whose buffer is full misses the event instead of stalling
// the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new observer. The returned cancel func removes
// the subscription and closes the channel; it is safe to call more than
// once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("broadcast subscriber lagging, event dropped",
				zap.Uint64("subscriber", id),
				zap.String("type", ev.Type))
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
