package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// newRouter builds the HTTP surface: health probes, metrics, and the
// realtime websocket endpoint.
func newRouter(
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	redisPub *redis.Client,
	promReg *prometheus.Registry,
	ws http.Handler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler { return WithSecurityHeaders(next) })
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, cfg, log) })
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(req.Context(), dbPool, 2*time.Second); err != nil {
				log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}

		if redisPub != nil {
			if err := redisPub.Ping(req.Context()).Err(); err != nil {
				log.Info("readyz.redis.not_ready", "err", err)
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Get("/ws", ws.ServeHTTP)

	return r
}
