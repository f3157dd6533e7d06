// Package v1 defines the Plume Messaging Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
//
// The joinRoom/leaveRoom/userJoined/userLeft names are camelCase for
// compatibility with the legacy named-room feature; everything else is
// snake_case.
const (
	// TypeIdentify binds a connection to a user (client -> server).
	TypeIdentify = "identify"
	// TypeIdentifyAck acknowledges identification and carries the session id
	// plus the current online-user snapshot (server -> client).
	TypeIdentifyAck = "identify_ack"

	// TypePrivateMessage requests sending a direct message (client -> server).
	TypePrivateMessage = "private_message"
	// TypeMessageSent is the caller-only correlation ack for a send
	// (server -> originating client).
	TypeMessageSent = "message_sent"
	// TypeMessageReceived broadcasts a persisted message to the conversation
	// room (server -> room members).
	TypeMessageReceived = "message_received"

	// TypeEditMessage mutates the content of the requester's own message.
	TypeEditMessage = "edit_message"
	// TypeMessageEdited broadcasts an applied edit to the room.
	TypeMessageEdited = "message_edited"

	// TypeDeleteMessage deletes the requester's own message.
	TypeDeleteMessage = "delete_message"
	// TypeMessageDeleted broadcasts an applied delete to the room.
	TypeMessageDeleted = "message_deleted"

	// TypeTyping is the ephemeral typing signal (client -> server).
	TypeTyping = "typing"
	// TypeUserTyping fans out a typing signal, excluding the sender.
	TypeUserTyping = "user_typing"

	// TypeMarkAsRead bulk-acknowledges unread messages in a conversation.
	TypeMarkAsRead = "mark_as_read"
	// TypeMessagesRead broadcasts a bulk read receipt to the room.
	TypeMessagesRead = "messages_read"

	// TypeJoinConversation explicitly joins a conversation room.
	TypeJoinConversation = "join_conversation"
	// TypeNewConversation notifies the receiver's live connections that a
	// conversation was created for them.
	TypeNewConversation = "new_conversation"

	// TypeJoinRoom / TypeLeaveRoom manage generic named-room membership.
	TypeJoinRoom  = "joinRoom"
	TypeLeaveRoom = "leaveRoom"
	// TypeUserJoined / TypeUserLeft are named-room presence signals.
	TypeUserJoined = "userJoined"
	TypeUserLeft   = "userLeft"

	// TypeUserOnline / TypeUserOffline are process-wide presence edges,
	// fired once per empty<->nonempty connection-set transition.
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"

	// TypeSendFriendRequest creates a friend request.
	TypeSendFriendRequest = "send_friend_request"
	// TypeFriendRequestReceived / TypeFriendRequestSent notify both parties.
	TypeFriendRequestReceived = "friend_request_received"
	TypeFriendRequestSent     = "friend_request_sent"

	// TypeError is a non-fatal error signal to the originating connection only.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// AckID correlates server responses (message_sent, error) with the client
// envelope that triggered them; it is never set on broadcasts.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	AckID   string          `json:"ack_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeIdentify,
		TypeIdentifyAck,
		TypePrivateMessage,
		TypeMessageSent,
		TypeMessageReceived,
		TypeEditMessage,
		TypeMessageEdited,
		TypeDeleteMessage,
		TypeMessageDeleted,
		TypeTyping,
		TypeUserTyping,
		TypeMarkAsRead,
		TypeMessagesRead,
		TypeJoinConversation,
		TypeNewConversation,
		TypeJoinRoom,
		TypeLeaveRoom,
		TypeUserJoined,
		TypeUserLeft,
		TypeUserOnline,
		TypeUserOffline,
		TypeSendFriendRequest,
		TypeFriendRequestReceived,
		TypeFriendRequestSent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// IdentifyPayload binds the connection to a user identity.
// Token is required when the server is configured with a verifier.
type IdentifyPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token,omitempty"`
}

// IdentifyAckPayload confirms identification.
type IdentifyAckPayload struct {
	SessionID   string   `json:"session_id"`
	OnlineUsers []string `json:"online_users"`
}

// PrivateMessagePayload requests sending a direct message.
// ConversationID is optional; when absent the server resolves or creates
// the conversation for the (sender, receiver) pair.
type PrivateMessagePayload struct {
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// MessageSentPayload is the correlation ack returned to the caller only.
type MessageSentPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// MessageRecord is the fully hydrated persisted message, broadcast under
// message_received. Fields match the stored row plus sender display fields.
type MessageRecord struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// EditMessagePayload mutates the requester's own message.
type EditMessagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
}

// DeleteMessagePayload deletes the requester's own message.
type DeleteMessagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// TypingPayload is the ephemeral typing signal, fanned out as user_typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ReadReceiptPayload serves mark_as_read and messages_read. It carries the
// conversation and reader, not individual message ids.
type ReadReceiptPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// JoinConversationPayload explicitly joins a conversation room.
type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// NewConversationPayload materializes a thread on the receiver's side
// without a full reload.
type NewConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id"`
	PeerName       string `json:"peer_name,omitempty"`
}

// NamedRoomPayload serves joinRoom and leaveRoom.
type NamedRoomPayload struct {
	Room string `json:"room_name"`
}

// RoomPresencePayload serves userJoined and userLeft. Timestamp is
// server-assigned and monotonic per room event.
type RoomPresencePayload struct {
	UserID    string    `json:"user_id"`
	Room      string    `json:"room_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload serves user_online and user_offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// SendFriendRequestPayload creates a friend request.
type SendFriendRequestPayload struct {
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
}

// FriendRequestPayload notifies both parties of a created request.
type FriendRequestPayload struct {
	RequestID    string    `json:"request_id"`
	FromUserID   string    `json:"from_user_id"`
	FromUserName string    `json:"from_user_name,omitempty"`
	ToUserID     string    `json:"to_user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
