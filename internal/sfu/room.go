package sfu

import (
	"sync"

	"github.com/harmonix-chat/voice/internal/domain"
)

// Room is the per-voice-channel aggregate: a worker-scoped router and the
// set of client handles currently joined. Membership is the only thing that
// keeps a room alive; the delegate drops it once the last client leaves.
type Room struct {
	ID     domain.RoomID
	worker *Worker

	mu      sync.RWMutex
	clients map[domain.UserID]*Client
}

func newRoom(id domain.RoomID, worker *Worker) *Room {
	return &Room{
		ID:      id,
		worker:  worker,
		clients: make(map[domain.UserID]*Client),
	}
}

func (r *Room) Worker() *Worker { return r.worker }

func (r *Room) addClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.User] = c
}

func (r *Room) removeClient(user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, user)
}

func (r *Room) Client(user domain.UserID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[user]
	return c, ok
}

func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Peers returns every client except the named one.
func (r *Room) Peers(except domain.UserID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for user, c := range r.clients {
		if user == except {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0
}
