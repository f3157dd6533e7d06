// Package client is the Go client for the Plume realtime messaging server.
//
// It manages a single websocket session: identify handshake, automatic
// reconnection with bounded backoff, send acknowledgements, and duplicate
// suppression for redelivered messages.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	v1 "plume/shared/contracts/messaging/v1"
)

const subprotocolV1 = "plume.messaging.v1"

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: automatic reconnection gave up and only an
	// explicit Reconnect call resumes the session.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAckTimeout reports that the server did not confirm a send in time.
// The outcome is unknown: the message may or may not have been persisted.
var ErrAckTimeout = errors.New("ack timeout: message outcome unknown")

// ErrNotConnected reports an operation attempted without a live session.
var ErrNotConnected = errors.New("not connected")

// ServerError is an error envelope returned in response to a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Handler receives server-pushed envelopes of a subscribed type.
type Handler func(env v1.Envelope)

// Config configures a Conn.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL string

	// UserID identifies the client when the server runs without token
	// verification. Ignored when Token is set and the server verifies it.
	UserID string
	Token  string

	// MaxReconnectAttempts bounds automatic reconnection before the
	// connection goes to StateFailed. Default 5.
	MaxReconnectAttempts int

	ReconnectBaseDelay time.Duration // default 500ms
	ReconnectMaxDelay  time.Duration // default 30s

	// AckTimeout bounds how long SendPrivateMessage waits for the server
	// confirmation. Default 5s.
	AckTimeout time.Duration

	Log *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Conn is a managed client connection.
type Conn struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	sessionID string
	closed    bool
	readGen   int

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	pendingMu sync.Mutex
	pending   map[string]chan v1.Envelope

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// New creates an unconnected Conn. Call Dial to establish the session.
func New(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:      cfg,
		log:      cfg.Log,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[string]chan v1.Envelope),
		seen:     make(map[string]struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the server-assigned session id from the identify handshake.
// Empty until the first successful Dial.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Subscribe registers a handler for a server-pushed event type. Handlers
// run on the read goroutine; a slow handler stalls delivery.
func (c *Conn) Subscribe(eventType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Dial connects, identifies, and starts the background read loop.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// Reconnect resumes a session that reached StateFailed.
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.state != StateFailed && c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("reconnect from state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}
	return nil
}

// Close ends the session permanently.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending()

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

// connect performs a single dial + identify handshake and, on success,
// starts the read loop for the new socket.
func (c *Conn) connect(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{subprotocolV1},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ack, err := c.identify(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "identify failed")
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.sessionID = ack.SessionID
	c.readGen++
	gen := c.readGen
	c.mu.Unlock()

	go c.readLoop(ws, gen)

	c.log.Debug("client.connected", "session_id", ack.SessionID, "online", len(ack.OnlineUsers))
	return nil
}

func (c *Conn) identify(ctx context.Context, ws *websocket.Conn) (v1.IdentifyAckPayload, error) {
	payload, err := json.Marshal(v1.IdentifyPayload{UserID: c.cfg.UserID, Token: c.cfg.Token})
	if err != nil {
		return v1.IdentifyAckPayload{}, err
	}
	env := newEnvelope(v1.TypeIdentify, payload)

	if err := writeEnvelope(ctx, ws, env); err != nil {
		return v1.IdentifyAckPayload{}, fmt.Errorf("identify write: %w", err)
	}

	// The ack is the first frame the server sends on this socket.
	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	for {
		resp, err := readEnvelope(ackCtx, ws)
		if err != nil {
			return v1.IdentifyAckPayload{}, fmt.Errorf("identify read: %w", err)
		}
		switch resp.Type {
		case v1.TypeIdentifyAck:
			var ack v1.IdentifyAckPayload
			if err := json.Unmarshal(resp.Payload, &ack); err != nil {
				return v1.IdentifyAckPayload{}, fmt.Errorf("identify ack decode: %w", err)
			}
			return ack, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(resp.Payload, &p)
			return v1.IdentifyAckPayload{}, &ServerError{Code: p.Code, Message: p.Message}
		default:
			// Presence traffic can outrun the ack; hand it to subscribers.
			c.dispatch(resp)
		}
	}
}

// readLoop consumes server frames until the socket dies, then drives
// automatic reconnection. gen guards against a stale loop surviving a
// manual Reconnect.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		env, err := readEnvelope(context.Background(), ws)
		if err != nil {
			c.mu.Lock()
			stale := c.closed || c.readGen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			c.log.Debug("client.read.fail", "err", err)
			c.failPending()
			c.reconnectLoop()
			return
		}

		if env.AckID != "" && c.resolvePending(env) {
			continue
		}
		c.dispatch(env)
	}
}

// reconnectLoop retries with doubling delay until success or the attempt
// budget is spent, at which point the connection goes to StateFailed.
func (c *Conn) reconnectLoop() {
	c.setState(StateConnecting)

	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(delay)
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("client.reconnected", "attempt", attempt)
			return
		}
		c.log.Warn("client.reconnect.fail", "attempt", attempt, "err", err)
	}

	c.setState(StateFailed)
	c.log.Error("client.reconnect.gave_up", "attempts", c.cfg.MaxReconnectAttempts)
}

// SendPrivateMessage sends a direct message and waits for the server
// confirmation. On timeout it returns ErrAckTimeout; the message may still
// have been delivered.
func (c *Conn) SendPrivateMessage(ctx context.Context, receiverID, content string) (v1.MessageSentPayload, error) {
	payload, err := json.Marshal(v1.PrivateMessagePayload{
		SenderID:   c.cfg.UserID,
		ReceiverID: receiverID,
		Content:    content,
	})
	if err != nil {
		return v1.MessageSentPayload{}, err
	}
	env := newEnvelope(v1.TypePrivateMessage, payload)

	ch := c.registerPending(env.ID)
	defer c.unregisterPending(env.ID)

	if err := c.write(ctx, env); err != nil {
		return v1.MessageSentPayload{}, err
	}

	t := time.NewTimer(c.cfg.AckTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return v1.MessageSentPayload{}, ctx.Err()
	case <-t.C:
		return v1.MessageSentPayload{}, ErrAckTimeout
	case resp, ok := <-ch:
		if !ok {
			return v1.MessageSentPayload{}, ErrNotConnected
		}
		if resp.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(resp.Payload, &p)
			return v1.MessageSentPayload{}, &ServerError{Code: p.Code, Message: p.Message}
		}
		var sent v1.MessageSentPayload
		if err := json.Unmarshal(resp.Payload, &sent); err != nil {
			return v1.MessageSentPayload{}, err
		}
		return sent, nil
	}
}

// JoinRoom enters a named chat room, implicitly leaving the previous one.
func (c *Conn) JoinRoom(ctx context.Context, room string) error {
	return c.writeTyped(ctx, v1.TypeJoinRoom, v1.NamedRoomPayload{Room: room})
}

// LeaveRoom leaves a named chat room.
func (c *Conn) LeaveRoom(ctx context.Context, room string) error {
	return c.writeTyped(ctx, v1.TypeLeaveRoom, v1.NamedRoomPayload{Room: room})
}

// JoinConversation subscribes this session to a conversation room.
func (c *Conn) JoinConversation(ctx context.Context, conversationID string) error {
	return c.writeTyped(ctx, v1.TypeJoinConversation, v1.JoinConversationPayload{ConversationID: conversationID})
}

// Typing signals a typing indicator to the conversation peer.
func (c *Conn) Typing(ctx context.Context, conversationID string) error {
	return c.writeTyped(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: conversationID, UserID: c.cfg.UserID})
}

// MarkAsRead marks all messages in a conversation as read.
func (c *Conn) MarkAsRead(ctx context.Context, conversationID string) error {
	return c.writeTyped(ctx, v1.TypeMarkAsRead, v1.ReadReceiptPayload{UserID: c.cfg.UserID, ConversationID: conversationID})
}

// SendFriendRequest sends a friend request to another user.
func (c *Conn) SendFriendRequest(ctx context.Context, toUserID string) error {
	return c.writeTyped(ctx, v1.TypeSendFriendRequest, v1.SendFriendRequestPayload{FromUserID: c.cfg.UserID, ToUserID: toUserID})
}

func (c *Conn) writeTyped(ctx context.Context, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, newEnvelope(eventType, b))
}

func (c *Conn) write(ctx context.Context, env v1.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}
	return writeEnvelope(ctx, ws, env)
}

// dispatch routes a server push to subscribers, suppressing duplicate
// message deliveries (redelivery is possible around reconnects).
func (c *Conn) dispatch(env v1.Envelope) {
	if env.Type == v1.TypeMessageReceived {
		var rec v1.MessageRecord
		if err := json.Unmarshal(env.Payload, &rec); err == nil && rec.MessageID != "" {
			if !c.markSeen(rec.MessageID) {
				return
			}
		}
	}

	c.handlersMu.RLock()
	hs := c.handlers[env.Type]
	c.handlersMu.RUnlock()

	for _, h := range hs {
		h(env)
	}
}

// markSeen reports whether id was seen for the first time.
func (c *Conn) markSeen(id string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, dup := c.seen[id]; dup {
		return false
	}
	// Unbounded growth guard: reset once the window is large. Duplicates
	// only occur near reconnects, so a coarse window is enough.
	if len(c.seen) > 4096 {
		c.seen = make(map[string]struct{})
	}
	c.seen[id] = struct{}{}
	return true
}

func (c *Conn) registerPending(id string) chan v1.Envelope {
	ch := make(chan v1.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Conn) unregisterPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) resolvePending(env v1.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.AckID]
	if ok {
		delete(c.pending, env.AckID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- env
	}
	return ok
}

// failPending closes outstanding ack channels so waiting senders get
// ErrNotConnected instead of stalling until timeout.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func newEnvelope(eventType string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    eventType,
		ID:      ulid.Make().String(),
		TS:      time.Now().UTC(),
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}
