package messaging

import (
	"context"
	"strings"
	"time"
)

// Conversation is the durable two-member thread. The messaging core only
// creates it, looks it up, and touches recency; schema ownership lives with
// the platform's relational layer.
type Conversation struct {
	ID             string
	MemberA        string
	MemberB        string
	LastActivityAt time.Time
}

// Peer returns the other member relative to userID.
func (c Conversation) Peer(userID string) string {
	if c.MemberA == userID {
		return c.MemberB
	}
	return c.MemberA
}

// HasMember reports whether userID belongs to the conversation.
func (c Conversation) HasMember(userID string) bool {
	return c.MemberA == userID || c.MemberB == userID
}

// Message is the durable direct message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Read           bool
	CreatedAt      time.Time
}

// FriendRequest gates whether two users exchange messages.
type FriendRequest struct {
	ID         string
	FromUserID string
	ToUserID   string
	CreatedAt  time.Time
}

// UserProfile carries the display fields needed to hydrate broadcasts.
type UserProfile struct {
	ID          string
	DisplayName string
}

// PairKey canonicalizes an unordered member pair. The database enforces
// uniqueness on this key, which is what makes concurrent first-contact
// sends converge on a single conversation.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// ConversationStore is the durable conversation directory.
type ConversationStore interface {
	// ResolveOrCreate returns the conversation for the unordered (a, b)
	// pair, creating it when absent. created reports a fresh row. Two
	// concurrent calls for the same pair must return the same conversation:
	// the losing insert re-fetches instead of failing.
	ResolveOrCreate(ctx context.Context, a, b string) (Conversation, bool, error)

	// ConversationByID fetches one conversation.
	ConversationByID(ctx context.Context, id string) (Conversation, error)

	// ConversationsFor lists every conversation the user belongs to.
	ConversationsFor(ctx context.Context, userID string) ([]Conversation, error)

	// Touch updates the conversation's last-activity timestamp.
	Touch(ctx context.Context, id string, at time.Time) error
}

// MessageStore persists and mutates messages.
type MessageStore interface {
	// InsertMessage stores a fully populated message row.
	InsertMessage(ctx context.Context, m Message) error

	// UpdateMessageContent applies an edit filtered on
	// (message id, sender id, conversation id) and reports whether a row
	// matched. A false result means wrong-owner OR not-found, uniformly.
	UpdateMessageContent(ctx context.Context, messageID, senderID, conversationID, content string) (bool, error)

	// DeleteMessage removes a message under the same ownership filter.
	DeleteMessage(ctx context.Context, messageID, senderID, conversationID string) (bool, error)

	// MarkConversationRead bulk-flips the read flag on unread messages
	// addressed to receiverID in the conversation and returns the number of
	// rows updated. Idempotent: a second run updates zero rows.
	MarkConversationRead(ctx context.Context, conversationID, receiverID string) (int64, error)
}

// FriendshipStore reads friendship state and records friend requests.
type FriendshipStore interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
	CreateFriendRequest(ctx context.Context, req FriendRequest) error
}

// UserDirectory resolves display fields for broadcast hydration.
type UserDirectory interface {
	Profile(ctx context.Context, userID string) (UserProfile, error)
}

// Store is the full persistence surface the messaging core consumes.
type Store interface {
	ConversationStore
	MessageStore
	FriendshipStore
	UserDirectory
	Close() error
}
