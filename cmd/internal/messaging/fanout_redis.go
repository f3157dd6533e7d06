package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "plume/shared/contracts/messaging/v1"
)

const (
	// DefaultFanoutChannel is the broker channel all processes share.
	DefaultFanoutChannel = "plume.rooms"

	fanoutRetryMin = 500 * time.Millisecond
	fanoutRetryMax = 30 * time.Second
)

// RedisFanout bridges room broadcasts across processes via Redis pub/sub.
// It holds two clients so the blocking SUBSCRIBE connection never contends
// with publishes. Self-delivery is filtered by the process origin id.
type RedisFanout struct {
	log     *slog.Logger
	metrics *Metrics

	pub     *redis.Client
	sub     *redis.Client
	channel string
	origin  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// NewRedisFanout constructs the adapter. pub and sub are separate clients
// (they may share options but not the connection). channel defaults to
// DefaultFanoutChannel when empty.
func NewRedisFanout(log *slog.Logger, metrics *Metrics, pub, sub *redis.Client, channel string) *RedisFanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisFanout{
		log:     log,
		metrics: metrics,
		pub:     pub,
		sub:     sub,
		channel: channel,
		origin:  MustULID(time.Now().UTC()),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Origin returns this process's fan-out identity (useful in logs).
func (f *RedisFanout) Origin() string { return f.origin }

// Publish replicates one broadcast frame to the cluster.
func (f *RedisFanout) Publish(ctx context.Context, roomID string, env v1.Envelope, exceptConn string) error {
	data, err := encodeFrame(frame{
		Origin: f.origin,
		Room:   roomID,
		Except: exceptConn,
		Env:    env,
	})
	if err != nil {
		return err
	}
	return f.pub.Publish(ctx, f.channel, data).Err()
}

// Start launches the subscriber loop. Broker disconnects are retried with
// exponential backoff; the host process keeps serving local traffic.
func (f *RedisFanout) Start(handler RemoteHandler) {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.subscribeLoop(handler)
	})
}

func (f *RedisFanout) subscribeLoop(handler RemoteHandler) {
	defer f.wg.Done()

	backoff := fanoutRetryMin
	for {
		if f.ctx.Err() != nil {
			return
		}

		pubsub := f.sub.Subscribe(f.ctx, f.channel)

		// Fail fast on a broken subscription so the backoff applies.
		if _, err := pubsub.Receive(f.ctx); err != nil {
			_ = pubsub.Close()
			if f.ctx.Err() != nil {
				return
			}
			f.metrics.fanoutError()
			f.log.Warn("fanout.subscribe.fail", "channel", f.channel, "backoff", backoff, "err", err)
			if !f.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		f.log.Info("fanout.subscribed", "channel", f.channel, "origin", f.origin)
		backoff = fanoutRetryMin

		f.consume(pubsub, handler)
		_ = pubsub.Close()

		if f.ctx.Err() != nil {
			return
		}
		// Channel closed underneath us: broker connection dropped.
		f.metrics.fanoutError()
		f.log.Warn("fanout.stream.lost", "channel", f.channel, "backoff", backoff)
		if !f.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (f *RedisFanout) consume(pubsub *redis.PubSub, handler RemoteHandler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fr, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				f.log.Warn("fanout.frame.bad", "err", err)
				continue
			}
			if fr.Origin == f.origin {
				// Locally-originated broadcast: already delivered.
				continue
			}
			handler(fr.Room, fr.Env, fr.Except)
		}
	}
}

func (f *RedisFanout) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-f.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > fanoutRetryMax {
		return fanoutRetryMax
	}
	return next
}

// Close stops the subscriber loop. It does not close the redis clients;
// their lifecycle belongs to the caller.
func (f *RedisFanout) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		f.wg.Wait()
	})
	return nil
}
