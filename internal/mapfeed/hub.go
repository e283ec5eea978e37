// Package mapfeed fans environment model updates out to visualisation
// clients. Every update carries the points a scan added per category and the
// pose they were projected through, so consumers never redo the transform.
package mapfeed

import (
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/rover.scan/internal/envmodel"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 8

// Hub distributes updates to subscribers. A subscriber that falls behind
// misses updates rather than blocking the publisher; Dropped counts them.
type Hub struct {
	buffer int

	mu          sync.Mutex
	subscribers map[string]chan envmodel.Update
	closed      bool
	published   uint64
	dropped     uint64
}

// NewHub returns a hub whose subscriber channels hold buffer updates.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subscribers: make(map[string]chan envmodel.Update)}
}

// Subscribe returns an id and a channel of updates. The channel is closed
// by Unsubscribe or Close.
func (h *Hub) Subscribe() (string, <-chan envmodel.Update) {
	id := uuid.NewString()
	ch := make(chan envmodel.Update, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish sends u to every subscriber without blocking.
func (h *Hub) Publish(u envmodel.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.published++
	for _, ch := range h.subscribers {
		select {
		case ch <- u:
		default:
			h.dropped++
		}
	}
}

// Stats reports hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Subscribers: len(h.subscribers), Published: h.published, Dropped: h.dropped}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
