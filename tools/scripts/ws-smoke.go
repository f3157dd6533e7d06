// Package main provides a CI-friendly WebSocket smoke test for the plume
// messaging server.
//
// It validates:
//   - handshake + subprotocol selection + identify ack
//   - private message send -> ack with server message id
//   - fanout message_received on the receiver's connection
//   - typing indicator fanout
//   - named room join/leave presence events
//
// Run the server with PLUME_REQUIRE_FRIENDSHIP=false (the smoke users have
// no seeded friendship) and no PLUME_JWT_SECRET.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"plume/client"
	v1 "plume/shared/contracts/messaging/v1"
)

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		room    = flag.String("room", "smoke-room", "Named chat room to join")
		text    = flag.String("text", "hello plume", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	root := context.Background()

	alice := mustDial(root, *wsURL, "smoke-alice", *timeout)
	defer alice.Close()

	bobInbox := make(chan v1.Envelope, 64)
	bob := client.New(client.Config{URL: *wsURL, UserID: "smoke-bob", AckTimeout: *timeout})
	bob.Subscribe(v1.TypeMessageReceived, func(env v1.Envelope) { bobInbox <- env })
	bob.Subscribe(v1.TypeUserTyping, func(env v1.Envelope) { bobInbox <- env })
	bob.Subscribe(v1.TypeUserJoined, func(env v1.Envelope) { bobInbox <- env })
	bob.Subscribe(v1.TypeUserLeft, func(env v1.Envelope) { bobInbox <- env })
	mustStep(bob.Dial(root), "connect bob")
	defer bob.Close()

	if *verbose {
		fmt.Printf("connected: alice=%s bob=%s\n", alice.SessionID(), bob.SessionID())
	}

	ctx, cancel := context.WithTimeout(root, *timeout)
	sent, err := alice.SendPrivateMessage(ctx, "smoke-bob", *text)
	cancel()
	mustStep(err, "send private message")
	if sent.MessageID == "" || sent.ConversationID == "" {
		fatalf("message_sent missing ids: %+v", sent)
	}

	rec := mustReceive(bobInbox, v1.TypeMessageReceived, *timeout)
	var msg v1.MessageRecord
	mustStep(json.Unmarshal(rec.Payload, &msg), "decode message_received")
	if msg.MessageID != sent.MessageID {
		fatalf("fanout message id mismatch: got=%q want=%q", msg.MessageID, sent.MessageID)
	}
	if msg.SenderID != "smoke-alice" || msg.Content != *text {
		fatalf("fanout payload mismatch: %+v", msg)
	}

	mustStep(alice.Typing(root, sent.ConversationID), "typing")
	typing := mustReceive(bobInbox, v1.TypeUserTyping, *timeout)
	var tp v1.TypingPayload
	mustStep(json.Unmarshal(typing.Payload, &tp), "decode typing")
	if tp.UserID != "smoke-alice" {
		fatalf("typing user mismatch: got=%q", tp.UserID)
	}

	mustStep(bob.JoinRoom(root, *room), "bob join room")
	mustStep(alice.JoinRoom(root, *room), "alice join room")
	joined := mustReceive(bobInbox, v1.TypeUserJoined, *timeout)
	var jp v1.RoomPresencePayload
	mustStep(json.Unmarshal(joined.Payload, &jp), "decode userJoined")
	if jp.UserID != "smoke-alice" || jp.Room != *room {
		fatalf("userJoined mismatch: %+v", jp)
	}

	mustStep(alice.LeaveRoom(root, *room), "alice leave room")
	left := mustReceive(bobInbox, v1.TypeUserLeft, *timeout)
	var lp v1.RoomPresencePayload
	mustStep(json.Unmarshal(left.Payload, &lp), "decode userLeft")
	if lp.UserID != "smoke-alice" {
		fatalf("userLeft mismatch: %+v", lp)
	}

	fmt.Printf("OK: conv_id=%s message_id=%s room=%s\n", sent.ConversationID, sent.MessageID, *room)
}

func mustDial(ctx context.Context, wsURL, userID string, timeout time.Duration) *client.Conn {
	c := client.New(client.Config{URL: wsURL, UserID: userID, AckTimeout: timeout})
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Dial(dialCtx); err != nil {
		fatalf("connect %s: %v", userID, err)
	}
	return c
}

func mustReceive(inbox <-chan v1.Envelope, wantType string, timeout time.Duration) v1.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			fatalf("timeout waiting for %q", wantType)
		case env := <-inbox:
			if env.Type == wantType {
				return env
			}
		}
	}
}

func mustStep(err error, step string) {
	if err != nil {
		fatalf("%s: %v", step, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
