package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "plume/shared/contracts/messaging/v1"
)

// Pipeline is the state machine behind every durable messaging operation:
// it validates, resolves conversations, persists, and fans out.
//
// In-memory state (presence, rooms) is mutated synchronously; every store
// call is a suspension point performed outside any lock. Broadcast happens
// immediately after a successful write, before the connection's next
// inbound event, which yields per-sender causal order within a room.
type Pipeline struct {
	log      *slog.Logger
	metrics  *Metrics
	store    Store
	router   *Router
	presence *Presence

	// requireFriendship enforces the friendship gate server-side. The
	// reference UI only hid the send box for non-friends; the transport
	// checks here instead of trusting clients.
	requireFriendship bool

	now func() time.Time
}

// NewPipeline wires the pipeline. All collaborators are injected; there is
// no ambient state.
func NewPipeline(log *slog.Logger, metrics *Metrics, store Store, router *Router, presence *Presence, requireFriendship bool) *Pipeline {
	return &Pipeline{
		log:               log,
		metrics:           metrics,
		store:             store,
		router:            router,
		presence:          presence,
		requireFriendship: requireFriendship,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SendInput describes one private-message send.
type SendInput struct {
	SenderID       string
	ReceiverID     string
	Content        string
	ConversationID string // optional; resolved from the pair when empty
}

// SendResult is returned to the original caller only, never broadcast.
type SendResult struct {
	MessageID      string
	ConversationID string
}

// SendPrivateMessage accepts an inbound private-message event, resolves or
// creates the target conversation, persists the message, updates recency,
// and broadcasts the hydrated record to the conversation room.
func (p *Pipeline) SendPrivateMessage(ctx context.Context, in SendInput) (SendResult, error) {
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.ReceiverID = strings.TrimSpace(in.ReceiverID)
	in.Content = strings.TrimSpace(in.Content)
	in.ConversationID = strings.TrimSpace(in.ConversationID)

	if in.SenderID == "" {
		return SendResult{}, fmt.Errorf("%w: missing sender_id", ErrValidation)
	}
	if in.ReceiverID == "" {
		return SendResult{}, fmt.Errorf("%w: missing receiver_id", ErrValidation)
	}
	if in.Content == "" {
		return SendResult{}, fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len([]rune(in.Content)) > maxMessageChars {
		return SendResult{}, fmt.Errorf("%w: message too long (max %d chars)", ErrValidation, maxMessageChars)
	}
	if in.SenderID == in.ReceiverID {
		return SendResult{}, fmt.Errorf("%w: cannot message yourself", ErrValidation)
	}

	if p.requireFriendship {
		friends, err := p.store.AreFriends(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return SendResult{}, fmt.Errorf("friendship lookup: %w", err)
		}
		if !friends {
			return SendResult{}, ErrNotFriends
		}
	}

	conv, err := p.resolveConversation(ctx, in)
	if err != nil {
		return SendResult{}, err
	}

	now := p.now()
	msgID, err := NewMessageID(now)
	if err != nil {
		return SendResult{}, err
	}

	msg := Message{
		ID:             msgID,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		CreatedAt:      now,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return SendResult{}, fmt.Errorf("persist message: %w", err)
	}

	if err := p.store.Touch(ctx, conv.ID, now); err != nil {
		// Recency is advisory; the message is already durable.
		p.log.Warn("pipeline.touch.fail", "conversation_id", conv.ID, "err", err)
	}

	record := v1.MessageRecord{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     p.displayName(ctx, msg.SenderID),
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Read:           msg.Read,
		CreatedAt:      msg.CreatedAt,
	}
	p.broadcast(ctx, ConversationRoomID(conv.ID), v1.TypeMessageReceived, record, "")

	p.metrics.messageSent()
	p.log.Info("pipeline.message.sent",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID,
		"receiver_id", msg.ReceiverID,
	)

	return SendResult{MessageID: msg.ID, ConversationID: conv.ID}, nil
}

// resolveConversation applies the resolve-or-create discipline and, on
// first creation, joins both participants' live connections to the new
// room and notifies the receiver's tabs.
func (p *Pipeline) resolveConversation(ctx context.Context, in SendInput) (Conversation, error) {
	if in.ConversationID != "" {
		conv, err := p.store.ConversationByID(ctx, in.ConversationID)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation lookup: %w", err)
		}
		if !conv.HasMember(in.SenderID) {
			return Conversation{}, fmt.Errorf("%w: not a conversation member", ErrValidation)
		}
		return conv, nil
	}

	conv, created, err := p.store.ResolveOrCreate(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}
	if !created {
		return conv, nil
	}

	roomID := ConversationRoomID(conv.ID)
	for _, c := range p.presence.SocketsFor(in.SenderID) {
		p.router.JoinRoom(c, roomID)
	}
	receiverConns := p.presence.SocketsFor(in.ReceiverID)
	for _, c := range receiverConns {
		p.router.JoinRoom(c, roomID)
	}

	// Let the receiver's UI materialize the thread without a reload.
	if len(receiverConns) > 0 {
		payload, _ := json.Marshal(v1.NewConversationPayload{
			ConversationID: conv.ID,
			PeerID:         in.SenderID,
			PeerName:       p.displayName(ctx, in.SenderID),
		})
		env := NewEnvelope(v1.TypeNewConversation, payload, p.now())
		for _, c := range receiverConns {
			if !c.TrySend(env) {
				p.metrics.broadcastDropped()
			}
		}
	}

	return conv, nil
}

// EditInput describes an edit of the requester's own message.
type EditInput struct {
	MessageID      string
	ConversationID string
	UserID         string
	Content        string
}

// EditMessage applies an edit. Ownership is verified by the store filter on
// (message id, sender id, conversation id); a miss returns ErrNotOwner
// whether the cause was wrong-owner or not-found.
func (p *Pipeline) EditMessage(ctx context.Context, in EditInput) error {
	in.Content = strings.TrimSpace(in.Content)
	if in.MessageID == "" || in.ConversationID == "" || in.UserID == "" {
		return fmt.Errorf("%w: missing identifiers", ErrValidation)
	}
	if in.Content == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if len([]rune(in.Content)) > maxMessageChars {
		return fmt.Errorf("%w: message too long (max %d chars)", ErrValidation, maxMessageChars)
	}

	ok, err := p.store.UpdateMessageContent(ctx, in.MessageID, in.UserID, in.ConversationID, in.Content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if !ok {
		p.log.Info("pipeline.edit.denied",
			"message_id", in.MessageID,
			"conversation_id", in.ConversationID,
			"user_id", in.UserID,
		)
		return ErrNotOwner
	}

	p.broadcast(ctx, ConversationRoomID(in.ConversationID), v1.TypeMessageEdited, v1.EditMessagePayload{
		MessageID:      in.MessageID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Content:        in.Content,
	}, "")
	return nil
}

// DeleteInput describes a delete of the requester's own message.
type DeleteInput struct {
	MessageID      string
	ConversationID string
	UserID         string
}

// DeleteMessage removes a message under the same ownership discipline as
// EditMessage.
func (p *Pipeline) DeleteMessage(ctx context.Context, in DeleteInput) error {
	if in.MessageID == "" || in.ConversationID == "" || in.UserID == "" {
		return fmt.Errorf("%w: missing identifiers", ErrValidation)
	}

	ok, err := p.store.DeleteMessage(ctx, in.MessageID, in.UserID, in.ConversationID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !ok {
		p.log.Info("pipeline.delete.denied",
			"message_id", in.MessageID,
			"conversation_id", in.ConversationID,
			"user_id", in.UserID,
		)
		return ErrNotOwner
	}

	p.broadcast(ctx, ConversationRoomID(in.ConversationID), v1.TypeMessageDeleted, v1.DeleteMessagePayload{
		MessageID:      in.MessageID,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
	}, "")
	return nil
}

// MarkAsRead bulk-flips the read flag on unread messages addressed to the
// user, then broadcasts a single messages_read event so sender UIs update
// delivery ticks in one pass. Idempotent: a second run updates zero rows
// and still emits the event.
func (p *Pipeline) MarkAsRead(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: missing identifiers", ErrValidation)
	}

	n, err := p.store.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	p.log.Debug("pipeline.read", "conversation_id", conversationID, "user_id", userID, "updated", n)

	p.broadcast(ctx, ConversationRoomID(conversationID), v1.TypeMessagesRead, v1.ReadReceiptPayload{
		UserID:         userID,
		ConversationID: conversationID,
	}, "")
	return nil
}

// Typing is pure ephemeral fan-out: no persistence, sender excluded.
func (p *Pipeline) Typing(ctx context.Context, conversationID, userID, exceptConn string) {
	if conversationID == "" || userID == "" {
		return
	}
	p.broadcast(ctx, ConversationRoomID(conversationID), v1.TypeUserTyping, v1.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, exceptConn)
}

// SendFriendRequest records a request and notifies both parties' live
// connections. Delivery is best effort; the durable row is the source of
// truth the CRUD layer reads later.
func (p *Pipeline) SendFriendRequest(ctx context.Context, fromUserID, toUserID string) error {
	fromUserID = strings.TrimSpace(fromUserID)
	toUserID = strings.TrimSpace(toUserID)
	if fromUserID == "" || toUserID == "" {
		return fmt.Errorf("%w: missing identifiers", ErrValidation)
	}
	if fromUserID == toUserID {
		return fmt.Errorf("%w: cannot befriend yourself", ErrValidation)
	}

	now := p.now()
	id, err := NewULID(now)
	if err != nil {
		return err
	}
	req := FriendRequest{
		ID:         id,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		CreatedAt:  now,
	}
	if err := p.store.CreateFriendRequest(ctx, req); err != nil {
		return fmt.Errorf("create friend request: %w", err)
	}

	meta := v1.FriendRequestPayload{
		RequestID:    req.ID,
		FromUserID:   req.FromUserID,
		FromUserName: p.displayName(ctx, req.FromUserID),
		ToUserID:     req.ToUserID,
		CreatedAt:    req.CreatedAt,
	}
	p.notifyUser(toUserID, v1.TypeFriendRequestReceived, meta)
	p.notifyUser(fromUserID, v1.TypeFriendRequestSent, meta)
	return nil
}

// ---- helpers ----

func (p *Pipeline) broadcast(ctx context.Context, roomID, eventType string, payload any, exceptConn string) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("pipeline.broadcast.encode.fail", "type", eventType, "err", err)
		return
	}
	p.router.Broadcast(ctx, roomID, NewEnvelope(eventType, data, p.now()), exceptConn)
}

// notifyUser targets every open tab of one user on this process.
func (p *Pipeline) notifyUser(userID, eventType string, payload any) {
	conns := p.presence.SocketsFor(userID)
	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("pipeline.notify.encode.fail", "type", eventType, "err", err)
		return
	}
	env := NewEnvelope(eventType, data, p.now())
	for _, c := range conns {
		if !c.TrySend(env) {
			p.metrics.broadcastDropped()
		}
	}
}

func (p *Pipeline) displayName(ctx context.Context, userID string) string {
	profile, err := p.store.Profile(ctx, userID)
	if err != nil || profile.DisplayName == "" {
		return userID
	}
	return profile.DisplayName
}

// NewEnvelope wraps a payload in the canonical wire envelope.
func NewEnvelope(eventType string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    eventType,
		ID:      MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
