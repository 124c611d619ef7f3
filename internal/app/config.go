package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Strict CORS allowlist for browser clients.
	//
	// Rules:
	// - exact origin: "https://app.example.com"
	// - wildcard port: "http://localhost:*"
	// - wildcard all: "*" (not recommended with credentials)
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, JIA_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and refresh-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	// Bridge/comet settings.
	RedisURL           string
	LeaderElectionKey  string
	LeaderElectionTTL  time.Duration
	BridgeSendTimeout  time.Duration
	BridgeQueueSize    int
	BridgeInsecureSkip bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	corsDefault := "http://localhost:*,http://127.0.0.1:*"
	corsRaw := EnvString("JIA_HTTP_CORS_ALLOWED_ORIGINS", "")
	if corsRaw == "" {
		corsRaw = EnvString("JIA_CORS_ALLOWED_ORIGINS", corsDefault)
	}

	return Config{
		HTTPAddr:  EnvString("JIA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("JIA_LOG_LEVEL", "info"),
		LogFormat: EnvString("JIA_LOG_FORMAT", "auto"),

		ReadHeaderTimeout: EnvDuration("JIA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("JIA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("JIA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("JIA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("JIA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("JIA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("JIA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("JIA_DB_MIN_CONNS", 0),

		CORSAllowedOrigins:   parseCSV(corsRaw),
		CORSAllowCredentials: EnvBool("JIA_HTTP_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("JIA_HTTP_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("JIA_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("JIA_REQUIRE_TOKEN_HMAC", false),

		RedisURL:           EnvString("JIA_REDIS_URL", "redis://127.0.0.1:6379/0"),
		LeaderElectionKey:  EnvString("JIA_LEADER_ELECTION_KEY", "jiascheduler:leader"),
		LeaderElectionTTL:  EnvDuration("JIA_LEADER_ELECTION_TTL", 10*time.Second),
		BridgeSendTimeout:  EnvDuration("JIA_BRIDGE_SEND_TIMEOUT", 90*time.Second),
		BridgeQueueSize:    EnvInt("JIA_BRIDGE_QUEUE_SIZE", 128),
		BridgeInsecureSkip: EnvBool("JIA_BRIDGE_WS_INSECURE_SKIP_VERIFY", false),
	}
}
