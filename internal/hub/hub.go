// Package hub fans envelopes out to the connections of this process.
package hub

import (
	"sync"

	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
)

const defaultBufferSize = 256

// Subscription is one consumer of the hub.
// C is closed on Unsubscribe or when the consumer lags behind.
type Subscription struct {
	C <-chan events.Envelope

	ch     chan events.Envelope
	lagged bool
}

// Lagged reports whether C was closed because the buffer overflowed.
// Valid once C is closed.
func (s *Subscription) Lagged() bool {
	return s.lagged
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	size   int
	logger logger.Logger
}

// New creates hub with per subscription buffer of size envelopes; default if size <= 0
func New(size int, l logger.Logger) *Hub {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		size:   size,
		logger: l.With("component", "hub"),
	}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan events.Envelope, h.size)
	s := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s
}

// Unsubscribe is safe to call more than once
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish never blocks. A subscriber whose buffer is full is dropped:
// skipping envelopes silently would break per-connection ordering.
func (h *Hub) Publish(e events.Envelope) int {
	var lagging []*Subscription
	delivered := 0

	h.mu.RLock()
	for s := range h.subs {
		select {
		case s.ch <- e:
			delivered++
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.RUnlock()

	if len(lagging) > 0 {
		h.mu.Lock()
		for _, s := range lagging {
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				s.lagged = true
				close(s.ch)
			}
		}
		h.mu.Unlock()
		h.logger.Warn("Lagging subscribers dropped", "count", len(lagging))
	}

	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
