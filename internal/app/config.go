package app

import (
	"time"

	"marlin/internal/chat"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL empty selects the in-memory dev store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// NATSURL empty selects the in-process loopback transport.
	NATSURL           string
	NATSSubjectPrefix string

	// SnapshotPath empty selects in-memory snapshots (no reload mirror).
	SnapshotPath string

	// Delivery channel timing.
	ConnectionTimeout time.Duration
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	DisableFallback   bool

	CacheFreshness  time.Duration
	UnreadBatchSize int

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("MARLIN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("MARLIN_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("MARLIN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MARLIN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MARLIN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MARLIN_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MARLIN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("MARLIN_DATABASE_URL", ""),
		DBSchema:    EnvString("MARLIN_DB_SCHEMA", "marlin"),
		DBMaxConns:  EnvInt32("MARLIN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("MARLIN_DB_MIN_CONNS", 0),

		NATSURL:           EnvString("MARLIN_NATS_URL", ""),
		NATSSubjectPrefix: EnvString("MARLIN_NATS_SUBJECT_PREFIX", "chat.order"),

		SnapshotPath: EnvString("MARLIN_SNAPSHOT_PATH", ""),

		ConnectionTimeout: EnvDuration("MARLIN_CHAT_CONNECT_TIMEOUT", 5*time.Second),
		PollInterval:      EnvDuration("MARLIN_CHAT_POLL_INTERVAL", 15*time.Second),
		ReconnectDelay:    EnvDuration("MARLIN_CHAT_RECONNECT_DELAY", 3*time.Second),
		DisableFallback:   EnvBool("MARLIN_CHAT_DISABLE_FALLBACK", false),

		CacheFreshness:  EnvDuration("MARLIN_CHAT_CACHE_FRESHNESS", 5*time.Minute),
		UnreadBatchSize: EnvInt("MARLIN_CHAT_UNREAD_BATCH", 5),

		ReadinessRequireDB: EnvBool("MARLIN_READINESS_REQUIRE_DB", false),
	}
}

// ServiceConfig maps the chat-related knobs into a chat.ServiceConfig.
func (c Config) ServiceConfig() chat.ServiceConfig {
	return chat.ServiceConfig{
		Cache: chat.CacheConfig{
			Freshness: c.CacheFreshness,
			Channel: chat.ChannelConfig{
				ConnectionTimeout: c.ConnectionTimeout,
				PollInterval:      c.PollInterval,
				ReconnectDelay:    c.ReconnectDelay,
				DisableFallback:   c.DisableFallback,
			},
		},
		UnreadBatchSize: c.UnreadBatchSize,
	}
}
