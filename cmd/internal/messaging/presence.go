package messaging

import (
	"log/slog"
	"sort"
	"sync"
)

// Presence is the in-memory registry of user identity -> live connections.
// A user may hold several simultaneous connections (tabs, devices).
//
// Invariants:
//   - A user has an entry if and only if at least one connection is bound.
//   - Bind reports true exactly once per empty->nonempty transition.
//   - Unbind reports true exactly once per nonempty->empty transition.
//
// There is no persistence: state is rebuilt as connections re-identify
// after a restart. All mutations are linearized per registry by the mutex;
// no I/O happens under the lock.
type Presence struct {
	log *slog.Logger

	mu    sync.Mutex
	users map[string]map[string]*Client // user id -> conn id -> client
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger) *Presence {
	return &Presence{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Bind registers a connection under a user and reports whether it was the
// user's first live connection (the "online" edge). Idempotent per connection.
func (p *Presence) Bind(userID string, c *Client) bool {
	if p == nil || c == nil || userID == "" || c.ConnID == "" {
		return false
	}

	p.mu.Lock()
	conns := p.users[userID]
	first := conns == nil
	if conns == nil {
		conns = make(map[string]*Client)
		p.users[userID] = conns
	}
	conns[c.ConnID] = c
	p.mu.Unlock()

	if first {
		p.log.Info("presence.online", "user_id", userID, "conn_id", c.ConnID)
	}
	return first
}

// Unbind removes a connection and reports whether it was the user's last
// one (the "offline" edge). Safe to call for connections that were never
// bound; such calls report false.
func (p *Presence) Unbind(userID, connID string) bool {
	if p == nil || userID == "" || connID == "" {
		return false
	}

	p.mu.Lock()
	conns := p.users[userID]
	if conns == nil {
		p.mu.Unlock()
		return false
	}
	if _, ok := conns[connID]; !ok {
		p.mu.Unlock()
		return false
	}
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(p.users, userID)
	}
	p.mu.Unlock()

	if last {
		p.log.Info("presence.offline", "user_id", userID, "conn_id", connID)
	}
	return last
}

// SocketsFor returns the live connections for a user (possibly empty).
// Used to target ephemeral signals at every open tab of one user.
func (p *Presence) SocketsFor(userID string) []*Client {
	if p == nil || userID == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Online returns a sorted snapshot of currently online user ids.
func (p *Presence) Online() []string {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	out := make([]string, 0, len(p.users))
	for u := range p.users {
		out = append(out, u)
	}
	p.mu.Unlock()

	sort.Strings(out)
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (p *Presence) IsOnline(userID string) bool {
	if p == nil || userID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users[userID]) > 0
}
