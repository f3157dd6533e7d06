package messaging

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewConnID returns a ULID used as the connection (session) identifier.
func NewConnID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewMessageID returns a ULID used as a durable message identifier.
func NewMessageID(now time.Time) (string, error) {
	return NewULID(now)
}

// MustULID is NewULID for call sites where an id failure is unrecoverable
// anyway (envelope ids, process origin ids). crypto/rand failures are
// effectively fatal for the whole process.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}
