// Package messaging contains Plume's realtime messaging core: presence
// tracking, room routing, the private-message pipeline, and the cluster
// fan-out adapter.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Store implementation backed by the platform's
// relational database.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - ResolveOrCreate relies on a uniqueness constraint over the canonical
//     member pair key: the losing concurrent insert observes the conflict
//     and re-fetches instead of failing. No cross-process lock exists.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "plume").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "plume",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ResolveOrCreate returns the conversation for the unordered (a, b) pair.
//
// The insert is a single conditional statement constrained by the unique
// pair_key index. ON CONFLICT DO NOTHING returns no row for the losing
// concurrent attempt, which is treated as "already exists: re-fetch".
func (s *PostgresStore) ResolveOrCreate(ctx context.Context, a, b string) (Conversation, bool, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, false, errors.New("messaging: nil store")
	}
	if a == "" || b == "" {
		return Conversation{}, false, ErrValidation
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}

	conversations := pgIdent(s.schema, "conversations")
	key := PairKey(a, b)
	now := time.Now().UTC()

	id, err := NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}

	var conv Conversation
	err = s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (id, member_a, member_b, pair_key, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id, member_a, member_b, last_activity_at`,
		id, a, b, key, now,
	).Scan(&conv.ID, &conv.MemberA, &conv.MemberB, &conv.LastActivityAt)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	// Lost the race (or the row predates this call): fetch the winner.
	err = s.pool.QueryRow(ctx,
		`SELECT id, member_a, member_b, last_activity_at
		   FROM `+conversations+`
		  WHERE pair_key = $1`,
		key,
	).Scan(&conv.ID, &conv.MemberA, &conv.MemberB, &conv.LastActivityAt)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("refetch conversation: %w", err)
	}
	return conv, false, nil
}

// ConversationByID fetches one conversation.
func (s *PostgresStore) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("messaging: nil store")
	}
	if id == "" {
		return Conversation{}, ErrValidation
	}

	conversations := pgIdent(s.schema, "conversations")

	var conv Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, member_a, member_b, last_activity_at
		   FROM `+conversations+`
		  WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.MemberA, &conv.MemberB, &conv.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ConversationsFor lists every conversation the user belongs to, most
// recently active first.
func (s *PostgresStore) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("messaging: nil store")
	}
	if userID == "" {
		return nil, ErrValidation
	}

	conversations := pgIdent(s.schema, "conversations")

	rows, err := s.pool.Query(ctx,
		`SELECT id, member_a, member_b, last_activity_at
		   FROM `+conversations+`
		  WHERE member_a = $1 OR member_b = $1
		  ORDER BY last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.MemberA, &c.MemberB, &c.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Touch updates the conversation's last-activity timestamp.
func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("messaging: nil store")
	}

	conversations := pgIdent(s.schema, "conversations")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+conversations+` SET last_activity_at = $2 WHERE id = $1`,
		id, at,
	)
	return err
}

// InsertMessage stores a message row.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	if s == nil || s.pool == nil {
		return errors.New("messaging: nil store")
	}
	if m.ID == "" || m.ConversationID == "" || m.SenderID == "" || m.ReceiverID == "" {
		return ErrValidation
	}

	messages := pgIdent(s.schema, "messages")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, receiver_id, content, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Read, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// UpdateMessageContent applies an edit under the ownership filter.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, senderID, conversationID, content string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("messaging: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET content = $4
		  WHERE id = $1 AND sender_id = $2 AND conversation_id = $3`,
		messageID, senderID, conversationID, content,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteMessage removes a message under the ownership filter.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, senderID, conversationID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("messaging: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+messages+`
		  WHERE id = $1 AND sender_id = $2 AND conversation_id = $3`,
		messageID, senderID, conversationID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkConversationRead bulk-flips the read flag for the receiver.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("messaging: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read = TRUE
		  WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`,
		conversationID, receiverID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AreFriends reports whether the pair has a confirmed friendship.
func (s *PostgresStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("messaging: nil store")
	}
	if a == "" || b == "" {
		return false, nil
	}

	friendships := pgIdent(s.schema, "friendships")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+friendships+` WHERE pair_key = $1`,
		PairKey(a, b),
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateFriendRequest records a pending request.
func (s *PostgresStore) CreateFriendRequest(ctx context.Context, req FriendRequest) error {
	if s == nil || s.pool == nil {
		return errors.New("messaging: nil store")
	}
	if req.ID == "" || req.FromUserID == "" || req.ToUserID == "" {
		return ErrValidation
	}

	requests := pgIdent(s.schema, "friend_requests")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+requests+` (id, from_user_id, to_user_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		req.ID, req.FromUserID, req.ToUserID, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert friend request: %w", err)
	}
	return nil
}

// Profile resolves display fields. Unknown users fall back to the id so a
// missing profile row never blocks a broadcast.
func (s *PostgresStore) Profile(ctx context.Context, userID string) (UserProfile, error) {
	if s == nil || s.pool == nil {
		return UserProfile{}, errors.New("messaging: nil store")
	}

	users := pgIdent(s.schema, "users")

	var p UserProfile
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name FROM `+users+` WHERE id = $1`,
		userID,
	).Scan(&p.ID, &p.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserProfile{ID: userID, DisplayName: userID}, nil
	}
	if err != nil {
		return UserProfile{}, err
	}
	return p, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
