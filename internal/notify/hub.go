package notify

import (
	"sync"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// Hub fans notifications out to connected clients in-process. Each
// subscriber owns one buffered channel; a slow subscriber drops messages
// instead of blocking the notifier.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]map[chan model.Notification]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan model.Notification]struct{})}
}

// Subscribe registers a listener for one user's notifications. The
// returned channel is closed by Unsubscribe.
func (h *Hub) Subscribe(userID int64) chan model.Notification {
	ch := make(chan model.Notification, 8)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan model.Notification]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(userID int64, ch chan model.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[userID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, userID)
		}
	}
}

// Emit delivers a notification to every connected session of one user.
// Never blocks; full subscriber buffers miss the message.
func (h *Hub) Emit(userID int64, n model.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[userID] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Connected reports whether any session of the user is subscribed.
func (h *Hub) Connected(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID]) > 0
}
