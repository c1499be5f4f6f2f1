package event

import (
	"strings"
	"sync"
)

// Hub fans out run events to watchers keyed by process. Publishing never
// blocks: a watcher whose buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Event
	nextID      uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[uint64]chan Event),
	}
}

// Key builds the hub key of a process.
func Key(agentType, processID string) string {
	return agentType + "/" + processID
}

// Subscribe registers a watcher for key. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe(key string, buffer int) (<-chan Event, func()) {
	key = strings.TrimSpace(key)
	if key == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if _, exists := h.subscribers[key]; !exists {
		h.subscribers[key] = make(map[uint64]chan Event)
	}
	h.subscribers[key][subID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subscribers[key]
		if !ok {
			return
		}
		sub, exists := subs[subID]
		if !exists {
			return
		}
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
		close(sub)
	}

	return ch, cancel
}

// Publish delivers e to every watcher of key.
func (h *Hub) Publish(key string, e Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers[key] {
		select {
		case sub <- e:
		default:
		}
	}
}

// Watchers returns the number of watchers of key.
func (h *Hub) Watchers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers[key])
}
