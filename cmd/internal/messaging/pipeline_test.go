package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	v1 "plume/shared/contracts/messaging/v1"
)

type pipelineFixture struct {
	store    *MemoryStore
	router   *Router
	presence *Presence
	pipeline *Pipeline
}

func newPipelineFixture(requireFriendship bool) *pipelineFixture {
	log := testLogger()
	store := NewMemoryStore()
	router := NewRouter(log, nil, store, nil)
	presence := NewPresence(log)
	return &pipelineFixture{
		store:    store,
		router:   router,
		presence: presence,
		pipeline: NewPipeline(log, nil, store, router, presence, requireFriendship),
	}
}

// bind simulates an identified connection: presence-bound and registered.
func (f *pipelineFixture) bind(userID, connID string) *Client {
	c := NewClient(connID, 16)
	c.UserID = userID
	f.presence.Bind(userID, c)
	f.router.Register(c)
	return c
}

func TestSendPrivateMessageValidation(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	peer := f.bind("bob", "conn-bob")

	cases := []struct {
		name string
		in   SendInput
	}{
		{name: "missing sender", in: SendInput{ReceiverID: "bob", Content: "hi"}},
		{name: "missing receiver", in: SendInput{SenderID: "alice", Content: "hi"}},
		{name: "empty content", in: SendInput{SenderID: "alice", ReceiverID: "bob", Content: "   "}},
		{name: "self message", in: SendInput{SenderID: "alice", ReceiverID: "alice", Content: "hi"}},
		{name: "too long", in: SendInput{SenderID: "alice", ReceiverID: "bob", Content: strings.Repeat("x", maxMessageChars+1)}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.pipeline.SendPrivateMessage(ctx, tc.in)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}

	// A rejected send must produce no broadcast.
	if got := drain(peer); len(got) != 0 {
		t.Fatalf("peer received %d envelopes after rejected sends, want 0", len(got))
	}
}

func TestSendPrivateMessageFriendshipGate(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(true)
	ctx := context.Background()

	in := SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	if _, err := f.pipeline.SendPrivateMessage(ctx, in); !errors.Is(err, ErrNotFriends) {
		t.Fatalf("err = %v, want ErrNotFriends", err)
	}

	f.store.AddFriendship("alice", "bob")
	if _, err := f.pipeline.SendPrivateMessage(ctx, in); err != nil {
		t.Fatalf("send between friends failed: %v", err)
	}
}

func TestSendPrivateMessageBroadcastsHydratedRecord(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	f.store.SetProfile(UserProfile{ID: "alice", DisplayName: "Alice A."})
	alice := f.bind("alice", "conn-alice")
	bob := f.bind("bob", "conn-bob")

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID == "" || res.ConversationID == "" {
		t.Fatalf("result incomplete: %+v", res)
	}

	// Both users were auto-joined to the new conversation room; the sender's
	// tab also receives message_received for rendering, and the receiver's
	// tab additionally gets a new_conversation notification.
	aliceGot := drain(alice)
	if len(aliceGot) != 1 || aliceGot[0].Type != v1.TypeMessageReceived {
		t.Fatalf("sender tab got %v", typesOf(aliceGot))
	}

	bobGot := drain(bob)
	if len(bobGot) != 2 {
		t.Fatalf("receiver tab got %v, want new_conversation + message_received", typesOf(bobGot))
	}
	var rec v1.MessageRecord
	for _, env := range bobGot {
		if env.Type == v1.TypeMessageReceived {
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				t.Fatal(err)
			}
		}
	}
	if rec.MessageID != res.MessageID || rec.SenderName != "Alice A." || rec.Content != "hello" || rec.Read {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSendPrivateMessageWithProvidedConversationID(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	conv, _, err := f.store.ResolveOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{
		SenderID: "alice", ReceiverID: "bob", Content: "hi", ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConversationID != conv.ID {
		t.Fatalf("conversation = %s, want %s", res.ConversationID, conv.ID)
	}

	// A sender outside the conversation must be rejected.
	_, err = f.pipeline.SendPrivateMessage(ctx, SendInput{
		SenderID: "mallory", ReceiverID: "bob", Content: "hi", ConversationID: conv.ID,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for non-member", err)
	}
}

func TestEditMessageOwnership(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "v1"})
	if err != nil {
		t.Fatal(err)
	}

	watcher := NewClient("conn-w", 16)
	f.router.JoinRoom(watcher, ConversationRoomID(res.ConversationID))

	err = f.pipeline.EditMessage(ctx, EditInput{
		MessageID: res.MessageID, ConversationID: res.ConversationID, UserID: "bob", Content: "hacked",
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner edit err = %v, want ErrNotOwner", err)
	}

	err = f.pipeline.EditMessage(ctx, EditInput{
		MessageID: "missing", ConversationID: res.ConversationID, UserID: "alice", Content: "x",
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("missing-message edit err = %v, want the same ErrNotOwner", err)
	}

	if got := drain(watcher); len(got) != 0 {
		t.Fatalf("rejected edits must not broadcast, got %v", typesOf(got))
	}

	err = f.pipeline.EditMessage(ctx, EditInput{
		MessageID: res.MessageID, ConversationID: res.ConversationID, UserID: "alice", Content: "v2",
	})
	if err != nil {
		t.Fatal(err)
	}
	got := drain(watcher)
	if len(got) != 1 || got[0].Type != v1.TypeMessageEdited {
		t.Fatalf("watcher got %v, want one message_edited", typesOf(got))
	}
}

func TestDeleteMessageOwnership(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "bye"})
	if err != nil {
		t.Fatal(err)
	}

	watcher := NewClient("conn-w", 16)
	f.router.JoinRoom(watcher, ConversationRoomID(res.ConversationID))

	err = f.pipeline.DeleteMessage(ctx, DeleteInput{
		MessageID: res.MessageID, ConversationID: res.ConversationID, UserID: "bob",
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner delete err = %v, want ErrNotOwner", err)
	}

	err = f.pipeline.DeleteMessage(ctx, DeleteInput{
		MessageID: res.MessageID, ConversationID: res.ConversationID, UserID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}

	got := drain(watcher)
	if len(got) != 1 || got[0].Type != v1.TypeMessageDeleted {
		t.Fatalf("watcher got %v, want one message_deleted", typesOf(got))
	}
}

func TestMarkAsReadAlwaysEmits(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	watcher := NewClient("conn-w", 16)
	f.router.JoinRoom(watcher, ConversationRoomID(res.ConversationID))

	for i := 0; i < 2; i++ {
		if err := f.pipeline.MarkAsRead(ctx, "bob", res.ConversationID); err != nil {
			t.Fatal(err)
		}
	}

	got := drain(watcher)
	if len(got) != 2 {
		t.Fatalf("watcher got %d events, want messages_read on every call", len(got))
	}
	for _, env := range got {
		if env.Type != v1.TypeMessagesRead {
			t.Fatalf("unexpected type %s", env.Type)
		}
	}
}

func TestTypingExcludesSender(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	res, err := f.pipeline.SendPrivateMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	sender := NewClient("conn-alice", 16)
	peer := NewClient("conn-bob", 16)
	roomID := ConversationRoomID(res.ConversationID)
	f.router.JoinRoom(sender, roomID)
	f.router.JoinRoom(peer, roomID)

	f.pipeline.Typing(ctx, res.ConversationID, "alice", "conn-alice")

	if got := drain(sender); len(got) != 0 {
		t.Fatalf("typing echoed to sender: %v", typesOf(got))
	}
	got := drain(peer)
	if len(got) != 1 || got[0].Type != v1.TypeUserTyping {
		t.Fatalf("peer got %v, want one user_typing", typesOf(got))
	}
}

func TestSendFriendRequestNotifiesBothParties(t *testing.T) {
	t.Parallel()

	f := newPipelineFixture(false)
	ctx := context.Background()

	from := f.bind("alice", "conn-alice")
	to := f.bind("bob", "conn-bob")

	if err := f.pipeline.SendFriendRequest(ctx, "alice", "alice"); !errors.Is(err, ErrValidation) {
		t.Fatalf("self request err = %v, want ErrValidation", err)
	}

	if err := f.pipeline.SendFriendRequest(ctx, "alice", "bob"); err != nil {
		t.Fatal(err)
	}

	fromGot := drain(from)
	if len(fromGot) != 1 || fromGot[0].Type != v1.TypeFriendRequestSent {
		t.Fatalf("sender got %v, want friend_request_sent", typesOf(fromGot))
	}
	toGot := drain(to)
	if len(toGot) != 1 || toGot[0].Type != v1.TypeFriendRequestReceived {
		t.Fatalf("receiver got %v, want friend_request_received", typesOf(toGot))
	}

	var p v1.FriendRequestPayload
	if err := json.Unmarshal(toGot[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.RequestID == "" || p.FromUserID != "alice" || p.ToUserID != "bob" {
		t.Fatalf("payload = %+v", p)
	}
}

func typesOf(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}
