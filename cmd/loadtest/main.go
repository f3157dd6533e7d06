// Command loadtest drives pairwise message traffic against a running Plume
// server and reports delivery counts and latency.
//
// Each pair consists of two users that identify, exchange direct messages
// at a fixed rate, and count message_received frames from the peer.
//
// The generated users share no friendship; run the target server with
// PLUME_REQUIRE_FRIENDSHIP=false.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	v1 "plume/shared/contracts/messaging/v1"
)

var (
	addr     = flag.String("addr", "ws://127.0.0.1:8080/ws", "websocket endpoint")
	pairs    = flag.Int("pairs", 10, "number of user pairs")
	rate     = flag.Duration("rate", 500*time.Millisecond, "delay between sends per user")
	duration = flag.Duration("duration", 30*time.Second, "test duration")
)

type counters struct {
	sent     atomic.Int64
	acked    atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup

	run := rand.Int63n(1 << 30)
	start := time.Now()

	for i := 0; i < *pairs; i++ {
		a := fmt.Sprintf("lt-%d-a-%d", run, i)
		b := fmt.Sprintf("lt-%d-b-%d", run, i)

		wg.Add(2)
		go worker(ctx, &wg, &c, a, b)
		go worker(ctx, &wg, &c, b, a)
	}

	wg.Wait()

	elapsed := time.Since(start).Seconds()
	sent := c.sent.Load()
	log.Printf("done: sent=%d acked=%d received=%d errors=%d throughput=%.1f msg/s",
		sent, c.acked.Load(), c.received.Load(), c.errors.Load(), float64(sent)/elapsed)
}

func worker(ctx context.Context, wg *sync.WaitGroup, c *counters, self, peer string) {
	defer wg.Done()

	dialer := websocket.Dialer{Subprotocols: []string{"plume.messaging.v1"}}
	conn, _, err := dialer.DialContext(ctx, *addr, nil)
	if err != nil {
		log.Printf("dial %s: %v", self, err)
		c.errors.Add(1)
		return
	}
	defer conn.Close()

	if err := writeEnvelope(conn, v1.TypeIdentify, v1.IdentifyPayload{UserID: self}); err != nil {
		log.Printf("identify %s: %v", self, err)
		c.errors.Add(1)
		return
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	// Reader counts acks and peer messages.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			switch env.Type {
			case v1.TypeMessageSent:
				c.acked.Add(1)
			case v1.TypeMessageReceived:
				var rec v1.MessageRecord
				if err := json.Unmarshal(env.Payload, &rec); err == nil && rec.SenderID == peer {
					c.received.Add(1)
				}
			case v1.TypeError:
				c.errors.Add(1)
			}
		}
	}()

	t := time.NewTicker(*rate)
	defer t.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			<-readerDone
			return
		case <-readerDone:
			return
		case <-t.C:
			seq++
			err := writeEnvelope(conn, v1.TypePrivateMessage, v1.PrivateMessagePayload{
				SenderID:   self,
				ReceiverID: peer,
				Content:    fmt.Sprintf("soak %s #%d", self, seq),
			})
			if err != nil {
				c.errors.Add(1)
				return
			}
			c.sent.Add(1)
		}
	}
}

func writeEnvelope(conn *websocket.Conn, eventType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    eventType,
		ID:      fmt.Sprintf("lt-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: b,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, out)
}
