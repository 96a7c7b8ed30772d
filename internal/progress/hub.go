package progress

import (
	"sync"

	"github.com/joss/scribe/internal/domain"
)

// Hub fans appended events out to in-process subscribers of one run.
// Delivery is non-blocking: a full subscriber buffer drops the event, and
// readers recover it from the store.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string][]chan domain.Event
	bufferSize int
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{subs: make(map[string][]chan domain.Event), bufferSize: bufferSize}
}

func key(docID, runID string) string { return docID + "/" + runID }

// Subscribe registers for events of one run. The returned func unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(docID, runID string) (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key(docID, runID)
	ch := make(chan domain.Event, h.bufferSize)
	h.subs[k] = append(h.subs[k], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subs[k]
			for i, c := range subs {
				if c == ch {
					h.subs[k] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(h.subs[k]) == 0 {
				delete(h.subs, k)
			}
		})
	}
}

// Publish delivers e to the run's subscribers without blocking.
func (h *Hub) Publish(e domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[key(e.DocumentID, e.RunID)] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of subscribers for a run.
func (h *Hub) Subscribers(docID, runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key(docID, runID)])
}
