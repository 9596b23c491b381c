package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Hub broadcasts events to live subscribers (the /events WebSocket stream).
// Slow subscribers lose events rather than blocking producers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		logger: logger.With("sink", "hub"),
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of events dropped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Record(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.logger.Debug("hub closed")
	return nil
}
