// Package config provides environment configuration for the sync service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	// PublicBaseURL is where Zendesk reaches our webhooks.
	PublicBaseURL      string
	CORSAllowedOrigins []string

	// NATS settings. When disabled, jobs run in process and events are
	// not published.
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Storage. Empty values select the in-memory implementations.
	DatabaseURL string
	RedisURL    string

	// Slack
	SlackBotToken      string
	SlackSigningSecret string
	SlackUserCacheSize int

	// Zendesk
	ZendeskPageSize   int
	ProductUserAgent  string
	FacadeEmailDomain string
	WebBaseURL        string

	// Sync
	SyncLockTimeout time.Duration
	SyncWorkers     int
	SyncMaxDeliver  int
	SyncRetryDelay  time.Duration

	// Overdue sweep
	OverdueAfter         time.Duration
	OverdueSweepSchedule string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", nil),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", true),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// Slack
		SlackBotToken:      getEnv("SLACK_BOT_TOKEN", ""),
		SlackSigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
		SlackUserCacheSize: getIntEnv("SLACK_USER_CACHE_SIZE", 1024),

		// Zendesk
		ZendeskPageSize:   getIntEnv("ZENDESK_PAGE_SIZE", 100),
		ProductUserAgent:  getEnv("PRODUCT_USER_AGENT", "Abbot/1.0"),
		FacadeEmailDomain: getEnv("FACADE_EMAIL_DOMAIN", "ab.bot"),
		WebBaseURL:        getEnv("WEB_BASE_URL", "https://app.ab.bot"),

		// Sync
		SyncLockTimeout: getDurationEnv("SYNC_LOCK_TIMEOUT", 10*time.Second),
		SyncWorkers:     getIntEnv("SYNC_WORKERS", 4),
		SyncMaxDeliver:  getIntEnv("SYNC_MAX_DELIVER", 10),
		SyncRetryDelay:  getDurationEnv("SYNC_RETRY_DELAY", 15*time.Second),

		// Overdue
		OverdueAfter:         getDurationEnv("OVERDUE_AFTER", 24*time.Hour),
		OverdueSweepSchedule: getEnv("OVERDUE_SWEEP_SCHEDULE", "@every 5m"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
