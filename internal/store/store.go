package store

import (
	"context"
	"time"
)

// Key patterns. Account hashes keep the camelCase field names of the
// original deployment for migration compatibility.
const (
	KeyAccountPrefix = "claude:account:"
	KeyAccountIndex  = "claude:account:index"

	KeyUnauthorizedErrors = "relay:401_errors:"
	KeyServerErrors       = "relay:server_errors:"
	KeyOverloaded         = "relay:overloaded:"
	KeyRateLimited        = "relay:rate_limited:"
	KeyRateLimitReset     = "relay:rate_limit_reset:"

	KeyStickySession = "sticky_session:"
	KeyRefreshLock   = "token_refresh_lock:claude:"
)

// KV is the key-value collaborator for accounts, health counters and
// sticky sessions. Implementations must make Incr, SetEx and Del atomic.
// Get on a missing key returns ("", nil); readers treat that as zero.
type KV interface {
	Ping(ctx context.Context) error
	Close() error

	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// UsageRecord is one completed relay request's token accounting.
type UsageRecord struct {
	ID                       int64
	APIKeyID                 string
	AccountID                string
	Model                    string
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	Ephemeral5mInputTokens   int
	Ephemeral1hInputTokens   int
	CostUSD                  float64
	Stream                   bool
	Status                   string
	DurationMs               int64
	CreatedAt                time.Time
}

// UsageSummaryRow is one row of aggregated usage.
type UsageSummaryRow struct {
	Key                 string `json:"key"`
	RequestCount        int    `json:"request_count"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
}

// UsageQuery filters usage summaries.
type UsageQuery struct {
	APIKeyID  string
	AccountID string
	Since     time.Time
	Until     time.Time
	GroupBy   string // "day", "account", "model", "key"
}
