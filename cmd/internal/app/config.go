package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	// LogFormat is "json" (default) or "pretty" for local development.
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables cluster fan-out when set. A single-node deployment
	// runs fine without it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	FanoutChannel string

	// JWTSecret enables token verification on identify when set.
	// When RequireAuthToken is true the secret MUST be set (>= 32 bytes).
	JWTSecret        string
	RequireAuthToken bool

	// RequireFriendship gates private messages between non-friends.
	RequireFriendship bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSSendQueueSize    int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PLUME_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PLUME_LOG_LEVEL", "info"),
		LogFormat: EnvString("PLUME_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PLUME_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PLUME_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PLUME_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PLUME_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PLUME_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PLUME_DATABASE_URL", ""),
		DBSchema:    EnvString("PLUME_DB_SCHEMA", "plume"),
		DBMaxConns:  EnvInt32("PLUME_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PLUME_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("PLUME_REDIS_ADDR", ""),
		RedisPassword: EnvString("PLUME_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("PLUME_REDIS_DB", 0),
		FanoutChannel: EnvString("PLUME_FANOUT_CHANNEL", ""),

		JWTSecret:        EnvString("PLUME_JWT_SECRET", ""),
		RequireAuthToken: EnvBool("PLUME_REQUIRE_AUTH_TOKEN", false),

		RequireFriendship: EnvBool("PLUME_REQUIRE_FRIENDSHIP", true),

		ReadinessRequireDB: EnvBool("PLUME_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("PLUME_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("PLUME_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PLUME_CORS_MAX_AGE_SECONDS", 600),

		WSOriginRequired:   EnvBool("PLUME_WS_ORIGIN_REQUIRED", false),
		WSAllowedOrigins:   EnvCSV("PLUME_WS_ALLOWED_ORIGINS"),
		WSDevInsecure:      EnvBool("PLUME_WS_DEV_INSECURE", false),
		WSSendQueueSize:    EnvInt("PLUME_WS_SEND_QUEUE", 256),
		WSHeartbeatEvery:   EnvDuration("PLUME_WS_HEARTBEAT_EVERY", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("PLUME_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:       EnvInt("PLUME_WS_RATE_EVENTS", 120),
		WSRateWindow:       EnvDuration("PLUME_WS_RATE_WINDOW", 10*time.Second),
	}
}
