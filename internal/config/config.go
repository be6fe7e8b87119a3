package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Redis (accounts, health counters, sticky sessions)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SQLite usage ledger
	DBPath string

	// Security
	EncryptionKey string
	APIKeys       []string
	APIKeyPrefix  string

	// Claude API
	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeBetaHeader string
	SystemPrompt     string
	OAuthClientID    string
	OAuthTokenURL    string

	// Proxy
	UseIPv4 bool

	// Scheduling
	StickySessionTTL    time.Duration
	TokenRefreshAdvance time.Duration

	// Overload handling: minutes an account sits out after a 529. Zero disables.
	OverloadMinutes int

	// Request
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	MaxRequestBodyMB int

	// Pricing table (model → max_tokens ceiling etc.)
	PricingPath string

	// Logging
	LogLevel string
	DumpDir  string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		DBPath: envOr("DB_PATH", "data/relay.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		APIKeys:       splitList(os.Getenv("API_KEYS")),
		APIKeyPrefix:  envOr("API_KEY_PREFIX", "cr_"),

		ClaudeAPIURL:     envOr("CLAUDE_API_URL", "https://api.anthropic.com/v1/messages"),
		ClaudeAPIVersion: envOr("CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeBetaHeader: envOr("CLAUDE_BETA_HEADER", "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"),
		SystemPrompt:     os.Getenv("RELAY_SYSTEM_PROMPT"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		OAuthTokenURL:    envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),

		UseIPv4: envBool("PROXY_USE_IPV4", true),

		StickySessionTTL:    envDuration("STICKY_SESSION_TTL", time.Hour),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),

		OverloadMinutes: envInt("OVERLOAD_MINUTES", 0),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 10*time.Minute),
		ConnectTimeout:   envDuration("CONNECT_TIMEOUT", 30*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),

		PricingPath: envOr("PRICING_PATH", "data/model_pricing.json"),

		LogLevel: envOr("LOG_LEVEL", "info"),
		DumpDir:  envOr("DUMP_DIR", "logs/dumps"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if len(c.APIKeys) == 0 {
		return errMissing("API_KEYS")
	}
	return nil
}

// DumpEnabled gates per-request dump files behind debug logging.
func (c *Config) DumpEnabled() bool {
	return c.LogLevel == "debug"
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
