package messaging

import "errors"

// Error taxonomy for the message pipeline. Handlers convert every failure
// to one of these categories before it leaves the handler.
var (
	// ErrValidation covers missing or empty required fields. Rejected at the
	// handler boundary, reported only to the originating connection.
	ErrValidation = errors.New("invalid input")

	// ErrNotFriends is returned when the friendship gate rejects a send.
	ErrNotFriends = errors.New("users are not friends")

	// ErrNotOwner is returned when an edit/delete matched no row for
	// (message_id, sender_id, conversation_id). Wrong-owner and not-found
	// are deliberately indistinguishable to avoid leaking existence.
	ErrNotOwner = errors.New("cannot modify this message")

	// ErrNotIdentified is returned for events received before identify.
	ErrNotIdentified = errors.New("connection not identified")

	// ErrIdentityMismatch is returned when an event claims a user identity
	// other than the one bound to the connection.
	ErrIdentityMismatch = errors.New("identity does not match connection")
)
