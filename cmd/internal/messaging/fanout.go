package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "plume/shared/contracts/messaging/v1"
)

// RemoteHandler consumes a broadcast frame that originated on another
// process. exceptConn is forwarded untouched: connection ids are ULIDs and
// unique across the cluster, so the exclusion stays meaningful everywhere.
type RemoteHandler func(roomID string, env v1.Envelope, exceptConn string)

// Fanout replicates room broadcasts across server processes so that
// horizontally scaled instances behave as one logical broadcast domain.
//
// Implementations must deduplicate self-delivery (a process never handles
// its own frames twice) and must tolerate broker outages without crashing
// the host: a failed Publish degrades the broadcast to local-only delivery.
type Fanout interface {
	// Publish replicates one broadcast to every other process.
	Publish(ctx context.Context, roomID string, env v1.Envelope, exceptConn string) error

	// Start begins delivering remote frames to handler. Called once.
	Start(handler RemoteHandler)

	// Close stops the subscriber and releases broker resources.
	Close() error
}

// frame is the broker wire format for one replicated broadcast.
type frame struct {
	Origin string      `json:"origin"`
	Room   string      `json:"room"`
	Except string      `json:"except,omitempty"`
	Env    v1.Envelope `json:"env"`
}

func encodeFrame(f frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode fanout frame: %w", err)
	}
	return b, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode fanout frame: %w", err)
	}
	if f.Origin == "" || f.Room == "" {
		return frame{}, fmt.Errorf("decode fanout frame: missing origin or room")
	}
	return f, nil
}
