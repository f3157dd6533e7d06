package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "plume/shared/contracts/messaging/v1"
)

const (
	wsSubprotocolV1 = "plume.messaging.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - A missing Origin header is allowed (non-browser clients do not
	//   send one); OriginRequired flips that for browser-only deployments.
	// - A present Origin must match the allowlist, which defaults to
	//   localhost only.
	wsDefaultOriginRequired = false
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// GatewayConfig tunes the websocket gateway. Zero values fall back to the
// secure defaults above.
type GatewayConfig struct {
	OriginRequired *bool
	AllowedOrigins []string

	// DevInsecure skips TLS verification in websocket.Accept. Dev-only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.OriginRequired == nil {
		def := wsDefaultOriginRequired
		c.OriginRequired = &def
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = wsDefaultAllowedOrigins
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for the messaging core.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the presence registry,
// room router, and message pipeline.
type Gateway struct {
	log      *slog.Logger
	metrics  *Metrics
	presence *Presence
	router   *Router
	pipeline *Pipeline

	// verifier is optional; when nil the client-supplied user id is
	// trusted (dev mode only).
	verifier TokenVerifier

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway with secure defaults.
func NewGateway(log *slog.Logger, metrics *Metrics, presence *Presence, router *Router, pipeline *Pipeline, verifier TokenVerifier, cfg GatewayConfig) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		metrics:        metrics,
		presence:       presence,
		router:         router,
		pipeline:       pipeline,
		verifier:       verifier,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// connState is the per-connection dispatch state, owned by the read loop.
type connState struct {
	userID    string
	namedRoom string
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop until the transport dies.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id allocation failed")
		return
	}
	client := NewClient(connID, g.cfg.SendQueueSize)
	g.metrics.connOpened()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		state     connState
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Cleanup order matters: named-room farewell, then room removal, then
	// the presence unbind that may fire the offline edge.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			// The request context is going away; farewell broadcasts use a
			// fresh one so cluster replication still happens.
			bg := context.Background()

			if state.userID != "" {
				if state.namedRoom != "" {
					g.broadcastRoomPresence(bg, state.namedRoom, state.userID, v1.TypeUserLeft, client.ConnID)
					state.namedRoom = ""
				}
				g.router.Unregister(client.ConnID)
				if g.presence.Unbind(state.userID, client.ConnID) {
					g.metrics.userOffline()
					g.broadcastPresenceEdge(bg, v1.TypeUserOffline, state.userID, client.ConnID)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.connClosed()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendFinalError(ctx, conn, client, writerDone, env.ID, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeIdentify {
			if err := g.onIdentify(ctx, client, &state, env); err != nil {
				g.sendFinalError(ctx, conn, client, writerDone, env.ID, "identify_failed", publicError(err))
				shutdown(websocket.StatusPolicyViolation, "identify failed")
				break readLoop
			}
			continue readLoop
		}

		if state.userID == "" {
			g.trySendError(ctx, client, env.ID, "not_identified", ErrNotIdentified.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypePrivateMessage:
			g.onPrivateMessage(ctx, client, &state, env)

		case v1.TypeEditMessage:
			g.onEditMessage(ctx, client, &state, env)

		case v1.TypeDeleteMessage:
			g.onDeleteMessage(ctx, client, &state, env)

		case v1.TypeTyping:
			g.onTyping(ctx, client, &state, env)

		case v1.TypeMarkAsRead:
			g.onMarkAsRead(ctx, client, &state, env)

		case v1.TypeJoinConversation:
			g.onJoinConversation(ctx, client, &state, env)

		case v1.TypeJoinRoom:
			g.onJoinNamedRoom(ctx, client, &state, env)

		case v1.TypeLeaveRoom:
			g.onLeaveNamedRoom(ctx, client, &state, env)

		case v1.TypeSendFriendRequest:
			g.onSendFriendRequest(ctx, client, &state, env)

		default:
			// Server-to-client types arriving inbound.
			g.trySendError(ctx, client, env.ID, "unsupported", fmt.Sprintf("unsupported direction for type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onIdentify(ctx context.Context, client *Client, state *connState, env v1.Envelope) error {
	var p v1.IdentifyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if state.userID != "" {
		return errors.New("already identified")
	}

	userID := strings.TrimSpace(p.UserID)
	if g.verifier != nil {
		ident, err := g.verifier.Verify(p.Token)
		if err != nil {
			return err
		}
		if userID != "" && userID != ident.UserID {
			return ErrIdentityMismatch
		}
		userID = ident.UserID
	}
	if userID == "" {
		return fmt.Errorf("%w: missing user_id", ErrValidation)
	}
	if len(userID) > maxIdentChars {
		return fmt.Errorf("%w: user_id too long", ErrValidation)
	}

	client.UserID = userID
	state.userID = userID

	g.router.Register(client)
	if g.presence.Bind(userID, client) {
		g.metrics.userOnline()
		g.broadcastPresenceEdge(ctx, v1.TypeUserOnline, userID, client.ConnID)
	}

	// Rejoin protocol: room membership is recomputed from the durable
	// conversation directory on every identify. A lookup failure leaves the
	// user without historical rooms until reconnect; it never kills the
	// connection.
	if err := g.router.JoinConversationRooms(ctx, client, userID); err != nil {
		g.log.Warn("ws.rejoin.fail", "conn_id", client.ConnID, "user_id", userID, "err", err)
	}

	ackPayload, _ := json.Marshal(v1.IdentifyAckPayload{
		SessionID:   client.ConnID,
		OnlineUsers: g.presence.Online(),
	})
	ack := NewEnvelope(v1.TypeIdentifyAck, ackPayload, time.Now().UTC())
	ack.AckID = env.ID

	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: identify ack")
	}

	g.log.Info("ws.identified", "conn_id", client.ConnID, "user_id", userID)
	return nil
}

func (g *Gateway) onPrivateMessage(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.PrivateMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "send_failed", "invalid payload")
		return
	}
	// The connection's bound identity is authoritative over the payload.
	if p.SenderID != "" && p.SenderID != state.userID {
		g.trySendError(ctx, client, env.ID, "send_failed", ErrIdentityMismatch.Error())
		return
	}

	res, err := g.pipeline.SendPrivateMessage(ctx, SendInput{
		SenderID:       state.userID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		ConversationID: p.ConversationID,
	})
	if err != nil {
		g.trySendError(ctx, client, env.ID, "send_failed", publicError(err))
		return
	}

	// Correlation result to the original caller only, never broadcast.
	ackPayload, _ := json.Marshal(v1.MessageSentPayload{
		MessageID:      res.MessageID,
		ConversationID: res.ConversationID,
	})
	ack := NewEnvelope(v1.TypeMessageSent, ackPayload, time.Now().UTC())
	ack.AckID = env.ID
	_ = g.enqueue(ctx, client, ack)
}

func (g *Gateway) onEditMessage(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.EditMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "edit_failed", "invalid payload")
		return
	}
	if p.UserID != "" && p.UserID != state.userID {
		g.trySendError(ctx, client, env.ID, "edit_failed", ErrIdentityMismatch.Error())
		return
	}

	err := g.pipeline.EditMessage(ctx, EditInput{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		UserID:         state.userID,
		Content:        p.Content,
	})
	if err != nil {
		g.trySendError(ctx, client, env.ID, "edit_failed", publicError(err))
	}
}

func (g *Gateway) onDeleteMessage(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.DeleteMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "delete_failed", "invalid payload")
		return
	}
	if p.UserID != "" && p.UserID != state.userID {
		g.trySendError(ctx, client, env.ID, "delete_failed", ErrIdentityMismatch.Error())
		return
	}

	err := g.pipeline.DeleteMessage(ctx, DeleteInput{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		UserID:         state.userID,
	})
	if err != nil {
		g.trySendError(ctx, client, env.ID, "delete_failed", publicError(err))
	}
}

func (g *Gateway) onTyping(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return // advisory signal, drop silently
	}
	g.pipeline.Typing(ctx, p.ConversationID, state.userID, client.ConnID)
}

func (g *Gateway) onMarkAsRead(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.ReadReceiptPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "read_failed", "invalid payload")
		return
	}
	if err := g.pipeline.MarkAsRead(ctx, state.userID, p.ConversationID); err != nil {
		g.trySendError(ctx, client, env.ID, "read_failed", publicError(err))
	}
}

func (g *Gateway) onJoinConversation(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "join_failed", "invalid payload")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		g.trySendError(ctx, client, env.ID, "join_failed", "missing conversation_id")
		return
	}
	if err := g.router.JoinConversation(ctx, client, state.userID, convID); err != nil {
		g.trySendError(ctx, client, env.ID, "join_failed", publicError(err))
	}
}

// onJoinNamedRoom implements the named chat room state machine: a
// connection belongs to at most one named room; joining a new one
// implicitly leaves the previous one with a userLeft farewell.
func (g *Gateway) onJoinNamedRoom(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.NamedRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "join_failed", "invalid payload")
		return
	}
	name := strings.TrimSpace(p.Room)
	if name == "" || len(name) > maxIdentChars {
		g.trySendError(ctx, client, env.ID, "join_failed", "invalid room_name")
		return
	}
	if state.namedRoom == name {
		return
	}

	if state.namedRoom != "" {
		g.broadcastRoomPresence(ctx, state.namedRoom, state.userID, v1.TypeUserLeft, client.ConnID)
		g.router.LeaveRoom(client.ConnID, NamedRoomID(state.namedRoom))
	}

	g.router.JoinRoom(client, NamedRoomID(name))
	state.namedRoom = name
	g.broadcastRoomPresence(ctx, name, state.userID, v1.TypeUserJoined, client.ConnID)
}

func (g *Gateway) onLeaveNamedRoom(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.NamedRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "leave_failed", "invalid payload")
		return
	}
	name := strings.TrimSpace(p.Room)
	if name == "" || state.namedRoom != name {
		return
	}

	g.broadcastRoomPresence(ctx, name, state.userID, v1.TypeUserLeft, client.ConnID)
	g.router.LeaveRoom(client.ConnID, NamedRoomID(name))
	state.namedRoom = ""
}

func (g *Gateway) onSendFriendRequest(ctx context.Context, client *Client, state *connState, env v1.Envelope) {
	var p v1.SendFriendRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, env.ID, "friend_request_failed", "invalid payload")
		return
	}
	if p.FromUserID != "" && p.FromUserID != state.userID {
		g.trySendError(ctx, client, env.ID, "friend_request_failed", ErrIdentityMismatch.Error())
		return
	}
	if err := g.pipeline.SendFriendRequest(ctx, state.userID, p.ToUserID); err != nil {
		g.trySendError(ctx, client, env.ID, "friend_request_failed", publicError(err))
	}
}

// ---- send helpers ----

func (g *Gateway) broadcastPresenceEdge(ctx context.Context, eventType, userID, exceptConn string) {
	payload, _ := json.Marshal(v1.PresencePayload{UserID: userID})
	g.router.BroadcastAll(ctx, NewEnvelope(eventType, payload, time.Now().UTC()), exceptConn)
}

func (g *Gateway) broadcastRoomPresence(ctx context.Context, roomName, userID, eventType, exceptConn string) {
	payload, _ := json.Marshal(v1.RoomPresencePayload{
		UserID:    userID,
		Room:      roomName,
		Timestamp: time.Now().UTC(),
	})
	g.router.Broadcast(ctx, NamedRoomID(roomName), NewEnvelope(eventType, payload, time.Now().UTC()), exceptConn)
}

// sendFinalError delivers an error frame that precedes a connection
// teardown. The writer goroutine is stopped first so the frame is written
// directly instead of racing the shutdown through the send queue.
func (g *Gateway) sendFinalError(ctx context.Context, conn *websocket.Conn, client *Client, writerDone <-chan struct{}, ackID, code, msg string) {
	client.Close()
	select {
	case <-writerDone:
	case <-time.After(g.cfg.WriteTimeout):
		return
	}

	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := NewEnvelope(v1.TypeError, p, time.Now().UTC())
	env.AckID = ackID
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, ackID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := NewEnvelope(v1.TypeError, p, time.Now().UTC())
	env.AckID = ackID
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// publicError maps pipeline errors onto client-safe messages. Persistence
// failures become a generic message; detail stays in server logs.
func publicError(err error) string {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFriends),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrIdentityMismatch),
		errors.Is(err, ErrBadToken):
		return err.Error()
	default:
		return "internal error"
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired != nil && *g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
