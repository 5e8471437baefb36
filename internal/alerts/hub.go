package alerts

import (
	"context"
	"sync"
)

// Hub broadcasts alerts to live subscribers such as websocket clients.
// Slow subscribers drop alerts rather than block delivery.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Alert
	nextID int
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[int]chan Alert), buffer: buffer}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Send(_ context.Context, a Alert) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- a:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of alerts and a function that unsubscribes and
// closes it.
func (h *Hub) Subscribe() (<-chan Alert, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Alert, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
