// Package live streams call state transitions to websocket subscribers.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Message is one feed entry.
type Message struct {
	Type   string           `json:"type"`
	CallID string           `json:"call_id"`
	From   domain.CallState `json:"from"`
	To     domain.CallState `json:"to"`
	Cause  string           `json:"cause,omitempty"`
	At     time.Time        `json:"at"`
}

// Subscriber receives encoded messages. A slow subscriber loses its oldest
// queued messages instead of blocking publishers.
type Subscriber struct {
	callID  string
	out     chan []byte
	dropped atomic.Int64
}

// C returns the subscriber's message channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan []byte {
	return s.out
}

// Dropped returns how many messages were discarded for this subscriber.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(callID string) bool {
	return s.callID == "" || s.callID == callID
}

// offer queues data, dropping the oldest queued message when full.
func (s *Subscriber) offer(data []byte) {
	select {
	case s.out <- data:
		return
	default:
	}

	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.out <- data:
	default:
		s.dropped.Add(1)
	}
}

// Hub fans transitions out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub. Non-positive buffer falls back to DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*Subscriber]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers a subscriber. An empty callID receives every call.
func (h *Hub) Subscribe(callID string) *Subscriber {
	s := &Subscriber{callID: callID, out: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.out)
	if n := s.Dropped(); n > 0 {
		h.logger.Info("live subscriber dropped messages", "call_id", s.callID, "dropped", n)
	}
}

// Publish implements callflow.Publisher.
func (h *Hub) Publish(t domain.Transition) {
	data, err := json.Marshal(Message{
		Type:   "transition",
		CallID: t.CallID,
		From:   t.From,
		To:     t.To,
		Cause:  t.Cause,
		At:     t.At,
	})
	if err != nil {
		h.logger.Warn("failed to encode transition", "call_id", t.CallID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.wants(t.CallID) {
			s.offer(data)
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll unsubscribes everyone.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.out)
	}
}
