// Package app wires the Plume realtime server: config, logging, HTTP
// routes, persistence, and the websocket messaging gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"plume/cmd/internal/messaging"
)

// App is the Plume server runtime. It owns resource lifecycles (DB pool,
// redis clients, fan-out subscription) and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store messaging.Store

	redisPub *redis.Client
	redisSub *redis.Client
	fanout   *messaging.RedisFanout

	promReg *prometheus.Registry
	gateway *messaging.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := messaging.NewMetrics(promReg)

	store, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		promReg:   promReg,
	}

	if cfg.RedisAddr != "" {
		pub, sub, err := NewRedisClients(context.Background(), cfg)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.redisPub = pub
		a.redisSub = sub
		a.fanout = messaging.NewRedisFanout(log, metrics, pub, sub, cfg.FanoutChannel)
		log.Info("fanout.enabled", "addr", cfg.RedisAddr, "channel", cfg.FanoutChannel)
	} else {
		log.Info("fanout.disabled.single_node")
	}

	var verifier messaging.TokenVerifier
	if cfg.JWTSecret != "" {
		v, err := messaging.NewHMACVerifier(cfg.JWTSecret)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		verifier = v
	} else {
		log.Warn("auth.disabled.trusting_client_identity")
	}

	presence := messaging.NewPresence(log)

	// The router takes the fanout as an interface; a typed-nil here would
	// defeat its nil check.
	var fanout messaging.Fanout
	if a.fanout != nil {
		fanout = a.fanout
	}
	router := messaging.NewRouter(log, metrics, store, fanout)
	pipeline := messaging.NewPipeline(log, metrics, store, router, presence, cfg.RequireFriendship)

	a.gateway = messaging.NewGateway(log, metrics, presence, router, pipeline, verifier, messaging.GatewayConfig{
		OriginRequired:   &cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		SendQueueSize:    cfg.WSSendQueueSize,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})

	return a, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	handler := newRouter(a.log, a.cfg, a.dbPool, a.dbEnabled, a.redisPub, a.promReg, a.gateway)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(handler, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
		"fanout_enabled", a.fanout != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.closeResources()
		return err
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return nil
}

// closeResources tears down owned resources in dependency order:
// fan-out subscription first, then redis clients, then store and pool.
func (a *App) closeResources() {
	if a.fanout != nil {
		if err := a.fanout.Close(); err != nil {
			a.log.Error("fanout.close.fail", "err", err)
		}
		a.fanout = nil
	}
	if a.redisPub != nil {
		_ = a.redisPub.Close()
		a.redisPub = nil
	}
	if a.redisSub != nil {
		_ = a.redisSub.Close()
		a.redisSub = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// newStore decides between Postgres-backed persistence and the in-memory
// dev store. The app owns the pool lifecycle; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (messaging.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return messaging.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return store, pool, true, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local operator can
// open. Wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
