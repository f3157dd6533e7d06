package messaging

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	v1 "plume/shared/contracts/messaging/v1"
)

type gatewayFixture struct {
	store  *MemoryStore
	server *httptest.Server
}

func newGatewayFixture(t *testing.T, verifier TokenVerifier) *gatewayFixture {
	t.Helper()

	log := testLogger()
	store := NewMemoryStore()
	router := NewRouter(log, nil, store, nil)
	presence := NewPresence(log)
	pipeline := NewPipeline(log, nil, store, router, presence, false)
	gw := NewGateway(log, nil, presence, router, pipeline, verifier, GatewayConfig{
		HeartbeatEvery: time.Hour, // keep pings out of test reads
	})

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{store: store, server: srv}
}

func (f *gatewayFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"plume.messaging.v1"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendEnv(t *testing.T, conn *websocket.Conn, id, eventType string, payload any) {
	t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := v1.Envelope{V: v1.Version, Type: eventType, ID: id, TS: time.Now().UTC(), Payload: b}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// readUntil skips unrelated server pushes (presence traffic) until an
// envelope of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) v1.Envelope {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", eventType, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == eventType {
			return env
		}
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return v1.Envelope{}
}

func identifyAs(t *testing.T, conn *websocket.Conn, userID, reqID string) v1.IdentifyAckPayload {
	t.Helper()

	sendEnv(t, conn, reqID, v1.TypeIdentify, v1.IdentifyPayload{UserID: userID})
	env := readUntil(t, conn, v1.TypeIdentifyAck)
	if env.AckID != reqID {
		t.Fatalf("identify ack correlation = %q, want %q", env.AckID, reqID)
	}
	var ack v1.IdentifyAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	return ack
}

func TestGatewayIdentify(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn := dialWS(t, f.wsURL())

	ack := identifyAs(t, conn, "alice", "req-1")
	if ack.SessionID == "" {
		t.Fatal("missing session id")
	}
	found := false
	for _, u := range ack.OnlineUsers {
		if u == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("online snapshot %v missing alice", ack.OnlineUsers)
	}
}

func TestGatewayRejectsUnidentifiedTraffic(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn := dialWS(t, f.wsURL())

	sendEnv(t, conn, "req-1", v1.TypePrivateMessage, v1.PrivateMessagePayload{
		ReceiverID: "bob", Content: "hi",
	})

	env := readUntil(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "not_identified" {
		t.Fatalf("code = %q, want not_identified", p.Code)
	}
	if env.AckID != "req-1" {
		t.Fatalf("error correlation = %q, want req-1", env.AckID)
	}
}

func TestGatewayPrivateMessageFlow(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)

	alice := dialWS(t, f.wsURL())
	identifyAs(t, alice, "alice", "id-a")
	bob := dialWS(t, f.wsURL())
	identifyAs(t, bob, "bob", "id-b")

	sendEnv(t, alice, "send-1", v1.TypePrivateMessage, v1.PrivateMessagePayload{
		SenderID: "alice", ReceiverID: "bob", Content: "hello bob",
	})

	ackEnv := readUntil(t, alice, v1.TypeMessageSent)
	if ackEnv.AckID != "send-1" {
		t.Fatalf("ack correlation = %q, want send-1", ackEnv.AckID)
	}
	var sent v1.MessageSentPayload
	if err := json.Unmarshal(ackEnv.Payload, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.MessageID == "" || sent.ConversationID == "" {
		t.Fatalf("incomplete ack: %+v", sent)
	}

	recEnv := readUntil(t, bob, v1.TypeMessageReceived)
	var rec v1.MessageRecord
	if err := json.Unmarshal(recEnv.Payload, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.MessageID != sent.MessageID || rec.SenderID != "alice" || rec.Content != "hello bob" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestGatewayRejectsSpoofedSender(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)

	conn := dialWS(t, f.wsURL())
	identifyAs(t, conn, "alice", "id-a")

	sendEnv(t, conn, "send-1", v1.TypePrivateMessage, v1.PrivateMessagePayload{
		SenderID: "mallory", ReceiverID: "bob", Content: "hi",
	})

	env := readUntil(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "send_failed" {
		t.Fatalf("code = %q, want send_failed", p.Code)
	}
}

func TestGatewayNamedRoomPresence(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)

	alice := dialWS(t, f.wsURL())
	identifyAs(t, alice, "alice", "id-a")
	bob := dialWS(t, f.wsURL())
	identifyAs(t, bob, "bob", "id-b")

	sendEnv(t, alice, "j-1", v1.TypeJoinRoom, v1.NamedRoomPayload{Room: "general"})
	sendEnv(t, bob, "j-2", v1.TypeJoinRoom, v1.NamedRoomPayload{Room: "general"})

	joined := readUntil(t, alice, v1.TypeUserJoined)
	var jp v1.RoomPresencePayload
	if err := json.Unmarshal(joined.Payload, &jp); err != nil {
		t.Fatal(err)
	}
	if jp.UserID != "bob" || jp.Room != "general" || jp.Timestamp.IsZero() {
		t.Fatalf("userJoined payload = %+v", jp)
	}

	// Joining another room implicitly leaves the old one.
	sendEnv(t, bob, "j-3", v1.TypeJoinRoom, v1.NamedRoomPayload{Room: "books"})

	left := readUntil(t, alice, v1.TypeUserLeft)
	var lp v1.RoomPresencePayload
	if err := json.Unmarshal(left.Payload, &lp); err != nil {
		t.Fatal(err)
	}
	if lp.UserID != "bob" || lp.Room != "general" {
		t.Fatalf("userLeft payload = %+v", lp)
	}
}

func TestGatewayPresenceEdgesAcrossConnections(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)

	alice := dialWS(t, f.wsURL())
	identifyAs(t, alice, "alice", "id-a")

	bob := dialWS(t, f.wsURL())
	identifyAs(t, bob, "bob", "id-b")

	online := readUntil(t, alice, v1.TypeUserOnline)
	var p v1.PresencePayload
	if err := json.Unmarshal(online.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" {
		t.Fatalf("user_online for %q, want bob", p.UserID)
	}

	_ = bob.Close(websocket.StatusNormalClosure, "bye")

	offline := readUntil(t, alice, v1.TypeUserOffline)
	if err := json.Unmarshal(offline.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" {
		t.Fatalf("user_offline for %q, want bob", p.UserID)
	}
}

func TestGatewayRejectsBadEnvelope(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t, nil)
	conn := dialWS(t, f.wsURL())

	b, _ := json.Marshal(v1.Envelope{V: "v9", Type: v1.TypeIdentify, ID: "req-1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatal(err)
	}

	env := readUntil(t, conn, v1.TypeError)
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "bad_envelope" {
		t.Fatalf("code = %q, want bad_envelope", p.Code)
	}
}

func TestGatewayTokenVerification(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("s", 32)
	verifier, err := NewHMACVerifier(secret)
	if err != nil {
		t.Fatal(err)
	}
	f := newGatewayFixture(t, verifier)

	t.Run("valid token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}

		conn := dialWS(t, f.wsURL())
		sendEnv(t, conn, "id-1", v1.TypeIdentify, v1.IdentifyPayload{Token: token})
		env := readUntil(t, conn, v1.TypeIdentifyAck)
		if env.AckID != "id-1" {
			t.Fatalf("ack correlation = %q", env.AckID)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		conn := dialWS(t, f.wsURL())
		sendEnv(t, conn, "id-1", v1.TypeIdentify, v1.IdentifyPayload{Token: "not-a-jwt"})
		env := readUntil(t, conn, v1.TypeError)
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Code != "identify_failed" {
			t.Fatalf("code = %q, want identify_failed", p.Code)
		}
	})

	t.Run("claimed user must match token subject", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}

		conn := dialWS(t, f.wsURL())
		sendEnv(t, conn, "id-1", v1.TypeIdentify, v1.IdentifyPayload{UserID: "mallory", Token: token})
		env := readUntil(t, conn, v1.TypeError)
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.Code != "identify_failed" {
			t.Fatalf("code = %q, want identify_failed", p.Code)
		}
	})
}

func TestHMACVerifier(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("k", 32)
	v, err := NewHMACVerifier(secret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewHMACVerifier("short"); err == nil {
		t.Fatal("short secret must be rejected")
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	ident, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if ident.UserID != "alice" {
		t.Fatalf("UserID = %q", ident.UserID)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(expired); err == nil {
		t.Fatal("expired token must be rejected")
	}

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(strings.Repeat("x", 32)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(other); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}
