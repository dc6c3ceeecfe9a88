package realtime

import (
	"context"
	"sync"
)

// Hub is the in-process transport used by single-replica deployments and tests.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Signal
	nextID int
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan Signal{}, buffer: 16}
}

func (h *Hub) Name() string { return "memory" }

// Publish never blocks; a subscriber whose buffer is full misses the signal,
// which is safe because every signal means the same thing.
func (h *Hub) Publish(_ context.Context, s Signal) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[s.Topic] {
		select {
		case ch <- s:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (<-chan Signal, func(), error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Signal, h.buffer)
	if h.subs[topic] == nil {
		h.subs[topic] = map[int]chan Signal{}
	}
	h.subs[topic][id] = ch
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) Close() error { return nil }
