package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConversationNotFound is returned by lookups for unknown conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// MemoryStore is the dev/test fallback when no database is configured.
// It implements the whole Store surface with the same observable semantics
// as the Postgres store, including the resolve-or-create race discipline.
type MemoryStore struct {
	mu sync.Mutex

	convsByPair map[string]*Conversation
	convsByID   map[string]*Conversation
	messages    map[string]*Message
	friends     map[string]struct{} // pair key
	requests    map[string]FriendRequest
	profiles    map[string]UserProfile
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convsByPair: make(map[string]*Conversation),
		convsByID:   make(map[string]*Conversation),
		messages:    make(map[string]*Message),
		friends:     make(map[string]struct{}),
		requests:    make(map[string]FriendRequest),
		profiles:    make(map[string]UserProfile),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// AddFriendship seeds a confirmed friendship (dev/test helper).
func (s *MemoryStore) AddFriendship(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[PairKey(a, b)] = struct{}{}
}

// SetProfile seeds a user profile (dev/test helper).
func (s *MemoryStore) SetProfile(p UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// ResolveOrCreate returns the conversation for the unordered pair,
// creating it when absent.
func (s *MemoryStore) ResolveOrCreate(ctx context.Context, a, b string) (Conversation, bool, error) {
	if a == "" || b == "" {
		return Conversation{}, false, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	key := PairKey(a, b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.convsByPair[key]; c != nil {
		return *c, false, nil
	}

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		return Conversation{}, false, err
	}
	c := &Conversation{
		ID:             id,
		MemberA:        a,
		MemberB:        b,
		LastActivityAt: time.Now().UTC(),
	}
	s.convsByPair[key] = c
	s.convsByID[id] = c
	return *c, true, nil
}

// ConversationByID fetches one conversation.
func (s *MemoryStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convsByID[id]
	if c == nil {
		return Conversation{}, ErrConversationNotFound
	}
	return *c, nil
}

// ConversationsFor lists conversations by membership.
func (s *MemoryStore) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Conversation
	for _, c := range s.convsByID {
		if c.HasMember(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Touch updates the last-activity timestamp.
func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convsByID[id]
	if c == nil {
		return ErrConversationNotFound
	}
	c.LastActivityAt = at
	return nil
}

// InsertMessage stores a message row.
func (s *MemoryStore) InsertMessage(ctx context.Context, m Message) error {
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := m
	s.messages[m.ID] = &cp
	return nil
}

// UpdateMessageContent applies an edit under the ownership filter.
func (s *MemoryStore) UpdateMessageContent(ctx context.Context, messageID, senderID, conversationID, content string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[messageID]
	if m == nil || m.SenderID != senderID || m.ConversationID != conversationID {
		return false, nil
	}
	m.Content = content
	return true, nil
}

// DeleteMessage removes a message under the ownership filter.
func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID, senderID, conversationID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.messages[messageID]
	if m == nil || m.SenderID != senderID || m.ConversationID != conversationID {
		return false, nil
	}
	delete(s.messages, messageID)
	return true, nil
}

// MarkConversationRead bulk-flips the read flag for the receiver.
func (s *MemoryStore) MarkConversationRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.ReceiverID == receiverID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// AreFriends reports whether the pair has a confirmed friendship.
func (s *MemoryStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.friends[PairKey(a, b)]
	return ok, nil
}

// CreateFriendRequest records a pending request.
func (s *MemoryStore) CreateFriendRequest(ctx context.Context, req FriendRequest) error {
	if req.ID == "" || req.FromUserID == "" || req.ToUserID == "" {
		return ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[req.ID] = req
	return nil
}

// Profile resolves display fields; unknown users fall back to the id so
// hydration never blocks a broadcast.
func (s *MemoryStore) Profile(ctx context.Context, userID string) (UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return UserProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return UserProfile{ID: userID, DisplayName: userID}, nil
}
