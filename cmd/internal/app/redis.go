package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClients builds the publish and subscribe clients for cluster
// fan-out and validates connectivity.
//
// Two clients are deliberate: a client with an active SUBSCRIBE cannot issue
// regular commands, so PUBLISH needs its own connection pool.
func NewRedisClients(ctx context.Context, cfg Config) (pub, sub *redis.Client, err error) {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	pub = redis.NewClient(opts)
	sub = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := pub.Ping(pingCtx).Err(); err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	return pub, sub, nil
}
