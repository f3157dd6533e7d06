package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	v1 "plume/shared/contracts/messaging/v1"
)

// Room id namespaces. Conversation rooms and named chat rooms share the
// router but never collide.
const (
	convRoomPrefix  = "conv:"
	namedRoomPrefix = "room:"

	// broadcastAllRoom addresses every connection on every process.
	// Used for presence edges (user_online / user_offline).
	broadcastAllRoom = "*"
)

// ConversationRoomID maps a conversation identifier to its room id.
func ConversationRoomID(conversationID string) string {
	return convRoomPrefix + conversationID
}

// NamedRoomID maps a chat room name to its room id.
func NamedRoomID(name string) string {
	return namedRoomPrefix + name
}

// Router owns room membership and broadcast dispatch for one process.
// Broadcasts reach local members directly and, when a Fanout is attached,
// members hosted on other processes through the broker.
//
// The router mutates only connections owned by this process; the only
// cross-process resources are the broker channel and the database.
type Router struct {
	log     *slog.Logger
	metrics *Metrics
	convs   ConversationStore
	fanout  Fanout

	mu     sync.RWMutex
	rooms  map[string]*Room
	conns  map[string]*Client             // identified connections on this process
	joined map[string]map[string]struct{} // conn id -> set of room ids
}

// NewRouter constructs a router. fanout may be nil (single-process mode);
// when present, the router subscribes for remote broadcast frames.
func NewRouter(log *slog.Logger, metrics *Metrics, convs ConversationStore, fanout Fanout) *Router {
	r := &Router{
		log:     log,
		metrics: metrics,
		convs:   convs,
		fanout:  fanout,
		rooms:   make(map[string]*Room),
		conns:   make(map[string]*Client),
		joined:  make(map[string]map[string]struct{}),
	}
	if fanout != nil {
		fanout.Start(r.deliverRemote)
	}
	return r
}

// Register makes an identified connection addressable by process-wide
// broadcasts. Must be called once per identified connection.
func (r *Router) Register(c *Client) {
	if r == nil || c == nil || c.ConnID == "" {
		return
	}
	r.mu.Lock()
	r.conns[c.ConnID] = c
	r.mu.Unlock()
}

// Unregister removes a connection from every room and from the process-wide
// broadcast set. Called on transport close.
func (r *Router) Unregister(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	delete(r.conns, connID)
	roomIDs := r.joined[connID]
	delete(r.joined, connID)
	rooms := make([]*Room, 0, len(roomIDs))
	for id := range roomIDs {
		if room := r.rooms[id]; room != nil {
			rooms = append(rooms, room)
		}
	}
	r.mu.Unlock()

	for _, room := range rooms {
		room.Leave(connID)
	}
	r.sweepEmpty(rooms)
}

// JoinRoom joins a connection to a room, creating the room on first use.
func (r *Router) JoinRoom(c *Client, roomID string) {
	if r == nil || c == nil || c.ConnID == "" || roomID == "" {
		return
	}

	r.mu.Lock()
	room := r.rooms[roomID]
	if room == nil {
		room = NewRoom(r.log, r.metrics, roomID)
		r.rooms[roomID] = room
	}
	set := r.joined[c.ConnID]
	if set == nil {
		set = make(map[string]struct{})
		r.joined[c.ConnID] = set
	}
	set[roomID] = struct{}{}
	r.mu.Unlock()

	room.Join(c)
}

// LeaveRoom removes a connection from one room.
func (r *Router) LeaveRoom(connID, roomID string) {
	if r == nil || connID == "" || roomID == "" {
		return
	}

	r.mu.Lock()
	room := r.rooms[roomID]
	if set := r.joined[connID]; set != nil {
		delete(set, roomID)
	}
	r.mu.Unlock()

	if room != nil {
		room.Leave(connID)
		r.sweepEmpty([]*Room{room})
	}
}

// JoinConversation joins a connection to a conversation room after checking
// that the user is a member of the conversation.
func (r *Router) JoinConversation(ctx context.Context, c *Client, userID, conversationID string) error {
	if r == nil || r.convs == nil {
		return fmt.Errorf("router: no conversation store")
	}

	conv, err := r.convs.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.MemberA != userID && conv.MemberB != userID {
		return fmt.Errorf("%w: not a conversation member", ErrValidation)
	}

	r.JoinRoom(c, ConversationRoomID(conversationID))
	return nil
}

// JoinConversationRooms applies the rejoin protocol: it recomputes the
// user's conversation membership from the durable store and joins the
// connection to every corresponding room. Called on each successful
// identify; in-memory room state is never assumed to survive a reconnect.
func (r *Router) JoinConversationRooms(ctx context.Context, c *Client, userID string) error {
	if r == nil || r.convs == nil {
		return nil
	}

	convs, err := r.convs.ConversationsFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	for _, conv := range convs {
		r.JoinRoom(c, ConversationRoomID(conv.ID))
	}
	return nil
}

// Broadcast sends an envelope to every member of a room, local and remote.
// Broker failures degrade to local-only delivery and are never returned.
func (r *Router) Broadcast(ctx context.Context, roomID string, env v1.Envelope, exceptConn string) {
	if r == nil || roomID == "" {
		return
	}

	r.deliverLocal(roomID, env, exceptConn)
	r.publish(ctx, roomID, env, exceptConn)
}

// BroadcastAll sends an envelope to every identified connection on every
// process. Used for the presence edge signals.
func (r *Router) BroadcastAll(ctx context.Context, env v1.Envelope, exceptConn string) {
	if r == nil {
		return
	}

	r.deliverAllLocal(env, exceptConn)
	r.publish(ctx, broadcastAllRoom, env, exceptConn)
}

func (r *Router) publish(ctx context.Context, roomID string, env v1.Envelope, exceptConn string) {
	if r.fanout == nil {
		return
	}
	if err := r.fanout.Publish(ctx, roomID, env, exceptConn); err != nil {
		// Local delivery already happened; cluster replication is degraded,
		// not the send itself.
		r.metrics.fanoutError()
		r.log.Warn("fanout.publish.fail", "room_id", roomID, "type", env.Type, "err", err)
		return
	}
	r.metrics.fanoutPublish()
}

func (r *Router) deliverLocal(roomID string, env v1.Envelope, exceptConn string) {
	r.mu.RLock()
	room := r.rooms[roomID]
	r.mu.RUnlock()

	if room != nil {
		room.Broadcast(env, exceptConn)
	}
}

func (r *Router) deliverAllLocal(env v1.Envelope, exceptConn string) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.conns))
	for id, c := range r.conns {
		if id == exceptConn || c == nil {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.TrySend(env) {
			r.metrics.broadcastDropped()
		}
	}
}

// deliverRemote handles frames that originated on another process.
func (r *Router) deliverRemote(roomID string, env v1.Envelope, exceptConn string) {
	r.metrics.fanoutReceive()
	if roomID == broadcastAllRoom {
		r.deliverAllLocal(env, exceptConn)
		return
	}
	r.deliverLocal(roomID, env, exceptConn)
}

// sweepEmpty drops rooms whose membership went to zero.
// Rooms are cheap, but long-running processes accumulate conversation rooms
// for users that disconnected long ago.
func (r *Router) sweepEmpty(rooms []*Room) {
	for _, room := range rooms {
		if room == nil || !room.Empty() {
			continue
		}
		r.mu.Lock()
		if cur := r.rooms[room.ID]; cur == room && room.Empty() {
			delete(r.rooms, room.ID)
		}
		r.mu.Unlock()
	}
}
