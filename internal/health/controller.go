// Package health classifies upstream responses into account state changes:
// unauthorized, blocked, overloaded, rate-limited, or recovered.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/events"
	"github.com/okabe/claude-relay/internal/scheduler"
	"github.com/okabe/claude-relay/internal/store"
)

const (
	unauthorizedWindow = 5 * time.Minute

	// unauthorizedThreshold escalates on the first 401. The counter and its
	// window exist for diagnostics; do not raise without operator policy.
	unauthorizedThreshold = 1

	// rateLimitBodyMarker flags rate limiting reported inside a non-429 body.
	rateLimitBodyMarker = "exceed your account's rate limit"

	headerUnifiedReset   = "anthropic-ratelimit-unified-reset"
	headerUnified5hState = "anthropic-ratelimit-unified-5h-status"
)

// Controller applies the per-response account health rules. All of its
// methods log and swallow bookkeeping failures; they never abort a request.
type Controller struct {
	kv        store.KV
	accounts  *account.Service
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	cfg       *config.Config
}

func NewController(kv store.KV, accounts *account.Service, sched *scheduler.Scheduler, bus *events.Bus, cfg *config.Config) *Controller {
	return &Controller{kv: kv, accounts: accounts, scheduler: sched, bus: bus, cfg: cfg}
}

// BodyIndicatesRateLimit reports whether a response body carries the
// vendor's rate-limit message.
func BodyIndicatesRateLimit(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), rateLimitBodyMarker)
}

// ResetAtFromHeaders extracts the unified reset time (epoch seconds), or
// zero when absent or unparseable.
func ResetAtFromHeaders(h http.Header) int64 {
	v := h.Get(headerUnifiedReset)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// HandleFailure runs exactly one escalation branch for a non-2xx response.
func (c *Controller) HandleFailure(ctx context.Context, accountID, accountType, sessionHash string, statusCode int, headers http.Header, body []byte) {
	switch {
	case statusCode == http.StatusUnauthorized:
		c.handleUnauthorized(ctx, accountID, accountType, sessionHash)

	case statusCode == http.StatusForbidden:
		c.handleBlocked(ctx, accountID, accountType, sessionHash)

	case statusCode == http.StatusTooManyRequests || BodyIndicatesRateLimit(body):
		c.HandleRateLimit(ctx, accountID, accountType, sessionHash, ResetAtFromHeaders(headers))

	case statusCode == 529:
		c.handleOverload(ctx, accountID)

	case statusCode >= 500 && statusCode <= 599:
		c.RecordServerError(ctx, accountID)
	}
}

// HandleSuccess clears failure state after a 2xx and persists the session
// window status when the response carries one.
func (c *Controller) HandleSuccess(ctx context.Context, accountID string, headers http.Header) {
	if err := c.kv.Del(ctx, store.KeyUnauthorizedErrors+accountID); err != nil {
		slog.Warn("clear 401 counter failed", "accountId", accountID, "error", err)
	}
	if err := c.accounts.ClearInternalErrors(ctx, accountID); err != nil {
		slog.Warn("clear server errors failed", "accountId", accountID, "error", err)
	}

	if limited, _ := c.scheduler.IsAccountRateLimited(ctx, accountID); limited {
		if err := c.scheduler.RemoveAccountRateLimit(ctx, accountID); err != nil {
			slog.Warn("remove rate limit failed", "accountId", accountID, "error", err)
		} else {
			c.publish(events.EventRecover, accountID, "rate limit cleared after success")
		}
	}
	if overloaded, _ := c.accounts.IsAccountOverloaded(ctx, accountID); overloaded {
		if err := c.accounts.RemoveAccountOverload(ctx, accountID); err != nil {
			slog.Warn("remove overload failed", "accountId", accountID, "error", err)
		} else {
			c.publish(events.EventRecover, accountID, "overload cleared after success")
		}
	}

	if status := headers.Get(headerUnified5hState); status != "" {
		if err := c.accounts.UpdateSessionWindowStatus(ctx, accountID, status); err != nil {
			slog.Warn("session window update failed", "accountId", accountID, "error", err)
		}
	}
}

// HandleRateLimit marks the account rate-limited, optionally until resetAt.
func (c *Controller) HandleRateLimit(ctx context.Context, accountID, accountType, sessionHash string, resetAt int64) {
	if err := c.scheduler.MarkAccountRateLimited(ctx, accountID, accountType, sessionHash, resetAt); err != nil {
		slog.Warn("mark rate limited failed", "accountId", accountID, "error", err)
		return
	}
	c.publish(events.EventRateLimit, accountID, fmt.Sprintf("rate limited, resetAt=%d", resetAt))
}

// RecordServerError bumps the 5xx counter. Used both for real upstream 5xx
// and for synthesized 504s on connection timeouts.
func (c *Controller) RecordServerError(ctx context.Context, accountID string) {
	n, err := c.accounts.RecordServerError(ctx, accountID)
	if err != nil {
		slog.Warn("record server error failed", "accountId", accountID, "error", err)
		return
	}
	if n >= account.ServerErrorAlarmThreshold {
		slog.Error("account server error threshold reached",
			"accountId", accountID, "count", n)
		c.publish(events.EventServerError, accountID,
			fmt.Sprintf("server errors in window: %d", n))
	}
}

func (c *Controller) handleUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) {
	key := store.KeyUnauthorizedErrors + accountID
	n, err := c.kv.Incr(ctx, key)
	if err != nil {
		slog.Warn("401 counter failed", "accountId", accountID, "error", err)
		n = unauthorizedThreshold
	} else if err := c.kv.Expire(ctx, key, unauthorizedWindow); err != nil {
		slog.Warn("401 counter expire failed", "accountId", accountID, "error", err)
	}

	if n >= unauthorizedThreshold {
		if err := c.scheduler.MarkAccountUnauthorized(ctx, accountID, accountType, sessionHash); err != nil {
			slog.Warn("mark unauthorized failed", "accountId", accountID, "error", err)
			return
		}
		c.publish(events.EventUnauthorized, accountID, "upstream 401")
	}
}

func (c *Controller) handleBlocked(ctx context.Context, accountID, accountType, sessionHash string) {
	if err := c.scheduler.MarkAccountBlocked(ctx, accountID, accountType, sessionHash); err != nil {
		slog.Warn("mark blocked failed", "accountId", accountID, "error", err)
		return
	}
	c.publish(events.EventBlocked, accountID, "upstream 403")
}

func (c *Controller) handleOverload(ctx context.Context, accountID string) {
	minutes := c.cfg.OverloadMinutes
	if minutes <= 0 {
		slog.Debug("overload handling disabled, 529 ignored", "accountId", accountID)
		return
	}
	ttl := time.Duration(minutes) * time.Minute
	if err := c.accounts.MarkAccountOverloaded(ctx, accountID, ttl); err != nil {
		slog.Warn("mark overloaded failed", "accountId", accountID, "error", err)
		return
	}
	c.publish(events.EventOverload, accountID, fmt.Sprintf("upstream 529, sitting out %s", ttl))
}

func (c *Controller) publish(t events.EventType, accountID, msg string) {
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: t, AccountID: accountID, Message: msg})
	}
}
