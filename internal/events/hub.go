// Package events fans CRM change events out to dashboard clients over
// Server-Sent Events and WebSocket, and across replicas through Redis.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

const defaultBuffer = 64

// Message is an event with its payload already encoded.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Frame returns the JSON frame sent to WebSocket clients: {"event","data"}.
func (m Message) Frame() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Relay forwards locally published messages elsewhere (e.g. other replicas).
type Relay interface {
	Relay(msg Message)
}

// Subscription receives messages until closed.
type Subscription struct {
	C    <-chan Message
	ch   chan Message
	hub  *Hub
	once sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is an in-process broadcaster. Publishing never blocks: a subscriber
// whose buffer is full misses that message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	buffer  int
	relay   Relay
	logger  *zap.Logger
	dropped atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer size (default 64).
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates a hub.
func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{subs: make(map[*Subscription]struct{}), buffer: defaultBuffer, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetRelay attaches a relay that receives every locally published message.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Message, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish encodes ev, delivers it locally and hands it to the relay.
// It implements app.Publisher.
func (h *Hub) Publish(ev domain.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	msg := Message{Event: ev.Name, Data: data}
	h.Deliver(msg)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.Relay(msg)
	}
}

// Deliver fans msg out to local subscribers only.
func (h *Hub) Deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Warn("slow subscriber, event dropped", zap.String("event", msg.Event))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscription. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
