package messaging

import (
	"log/slog"
	"sync"

	v1 "plume/shared/contracts/messaging/v1"
)

// Room is an in-memory broadcast group. Conversation rooms are keyed by
// conversation id; named chat rooms by room name. Membership is derived,
// never persisted.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log     *slog.Logger
	metrics *Metrics

	ID string

	mu      sync.RWMutex
	members map[string]*Client // conn id -> client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, metrics *Metrics, id string) *Room {
	return &Room{
		log:     log,
		metrics: metrics,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership. Idempotent per connection.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.ConnID] = client
	r.mu.Unlock()

	r.log.Debug("room.member.join", "room_id", r.ID, "conn_id", client.ConnID)
}

// Leave removes a connection from membership.
// Unlike the client's own shutdown path, Leave does not close the client:
// a connection keeps living when it merely switches rooms.
func (r *Room) Leave(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[connID]
	delete(r.members, connID)
	r.mu.Unlock()

	if ok {
		r.log.Debug("room.member.leave", "room_id", r.ID, "conn_id", connID)
	}
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Broadcast fans an envelope out to all members except exceptConn ("" for
// nobody excluded). Non-blocking: if a member queue is full or the client
// is shutting down, the delivery is dropped and counted.
func (r *Room) Broadcast(env v1.Envelope, exceptConn string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptConn {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			r.metrics.broadcastDropped()
		}
	}
}
