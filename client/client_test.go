package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "plume/shared/contracts/messaging/v1"
)

// stubServer speaks just enough of the server protocol to exercise the
// client: identify handshake, send acks, and scripted pushes.
type stubServer struct {
	t *testing.T

	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	silent   bool // swallow private_message instead of acking
	failSend string

	identifies atomic.Int64
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()

	s := &stubServer{t: t}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *stubServer) url() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

func (s *stubServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"plume.messaging.v1"},
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case v1.TypeIdentify:
			s.identifies.Add(1)
			s.reply(ctx, conn, env.ID, v1.TypeIdentifyAck, v1.IdentifyAckPayload{
				SessionID:   "sess-1",
				OnlineUsers: []string{"alice"},
			})
		case v1.TypePrivateMessage:
			s.mu.Lock()
			silent, failCode := s.silent, s.failSend
			s.mu.Unlock()
			if silent {
				continue
			}
			if failCode != "" {
				s.reply(ctx, conn, env.ID, v1.TypeError, v1.ErrorPayload{Code: failCode, Message: "rejected"})
				continue
			}
			s.reply(ctx, conn, env.ID, v1.TypeMessageSent, v1.MessageSentPayload{
				MessageID:      "m-" + env.ID,
				ConversationID: "c-1",
			})
		}
	}
}

func (s *stubServer) reply(ctx context.Context, conn *websocket.Conn, ackID, eventType string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.t.Errorf("stub marshal: %v", err)
		return
	}
	env := v1.Envelope{V: v1.Version, Type: eventType, ID: "srv-1", AckID: ackID, TS: time.Now().UTC(), Payload: b}
	out, _ := json.Marshal(env)
	_ = conn.Write(ctx, websocket.MessageText, out)
}

// push sends an uncorrelated server event to every live connection.
func (s *stubServer) push(eventType string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.t.Errorf("stub marshal: %v", err)
		return
	}
	env := v1.Envelope{V: v1.Version, Type: eventType, ID: "srv-push", TS: time.Now().UTC(), Payload: b}
	out, _ := json.Marshal(env)

	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, out)
	}
}

func TestClientDialAndState(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	c := New(Config{URL: s.url(), UserID: "alice"})
	t.Cleanup(func() { _ = c.Close() })

	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %s", c.State())
	}

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after dial = %s", c.State())
	}
	if c.SessionID() != "sess-1" {
		t.Fatalf("session id = %q", c.SessionID())
	}
}

func TestClientSendAckResolution(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	c := New(Config{URL: s.url(), UserID: "alice"})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := c.SendPrivateMessage(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID == "" || res.ConversationID != "c-1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestClientSendServerError(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	s.failSend = "not_friends"

	c := New(Config{URL: s.url(), UserID: "alice"})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.SendPrivateMessage(context.Background(), "bob", "hello")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != "not_friends" {
		t.Fatalf("code = %q", se.Code)
	}
}

func TestClientSendAckTimeout(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	s.silent = true

	c := New(Config{URL: s.url(), UserID: "alice", AckTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := c.SendPrivateMessage(context.Background(), "bob", "hello")
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
}

func TestClientDeduplicatesRedeliveredMessages(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	c := New(Config{URL: s.url(), UserID: "alice"})
	t.Cleanup(func() { _ = c.Close() })

	var mu sync.Mutex
	var got []string
	c.Subscribe(v1.TypeMessageReceived, func(env v1.Envelope) {
		var rec v1.MessageRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return
		}
		mu.Lock()
		got = append(got, rec.MessageID)
		mu.Unlock()
	})

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := v1.MessageRecord{MessageID: "m-dup", ConversationID: "c-1", SenderID: "bob", Content: "hi"}
	s.push(v1.TypeMessageReceived, rec)
	s.push(v1.TypeMessageReceived, rec)
	s.push(v1.TypeMessageReceived, v1.MessageRecord{MessageID: "m-2", ConversationID: "c-1", SenderID: "bob", Content: "again"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "m-dup" || got[1] != "m-2" {
		t.Fatalf("delivered = %v, want [m-dup m-2]", got)
	}
}

func TestClientReconnectsAndReidentifies(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	c := New(Config{
		URL:                s.url(),
		UserID:             "alice",
		ReconnectBaseDelay: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := s.identifies.Load(); n != 1 {
		t.Fatalf("identifies = %d, want 1", n)
	}

	// Kill the server side of the first connection.
	s.mu.Lock()
	first := s.conns[0]
	s.mu.Unlock()
	_ = first.Close(websocket.StatusGoingAway, "restart")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateConnected && s.identifies.Load() >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if c.State() != StateConnected {
		t.Fatalf("state = %s, want connected after automatic reconnect", c.State())
	}
	if n := s.identifies.Load(); n < 2 {
		t.Fatalf("identifies = %d, want re-identify on reconnect", n)
	}
}

func TestClientGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	s := newStubServer(t)
	c := New(Config{
		URL:                  s.url(),
		UserID:               "alice",
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
	})

	if err := c.Dial(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Take the server away entirely so every reconnect attempt fails.
	s.Server.CloseClientConnections()
	s.Server.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateFailed {
		time.Sleep(20 * time.Millisecond)
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed after exhausting attempts", c.State())
	}

	if _, err := c.SendPrivateMessage(context.Background(), "bob", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send in failed state err = %v, want ErrNotConnected", err)
	}
}
