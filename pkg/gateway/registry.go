package gateway

import (
	"sort"
	"sync"
	"time"
)

// clientIdleAfter marks clients without traffic for this long as idle in
// clients.list.
const clientIdleAfter = 5 * time.Minute

// ClientRegistry tracks the connected websocket clients by id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers client, replacing any client with the same id.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove unregisters a client and cancels its process watches.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if ok {
		client.disconnect()
	}
}

// Get looks a client up by id.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// All returns the clients ordered by connection time.
func (r *ClientRegistry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Authenticated returns the clients allowed to receive broadcasts.
func (r *ClientRegistry) Authenticated() []*Client {
	return r.filter((*Client).isAuthenticated)
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, client)
	}
	r.mu.RUnlock()

	kept := out[:0]
	for _, client := range out {
		if keep(client) {
			kept = append(kept, client)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].ConnectedAt.Equal(kept[j].ConnectedAt) {
			return kept[i].ID < kept[j].ID
		}
		return kept[i].ConnectedAt.Before(kept[j].ConnectedAt)
	})
	return kept
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Infos describes every client as of now.
func (r *ClientRegistry) Infos(now time.Time) []ClientInfo {
	clients := r.All()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info(now, clientIdleAfter))
	}
	return infos
}
