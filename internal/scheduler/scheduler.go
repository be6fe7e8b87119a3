// Package scheduler selects upstream accounts for relay requests and owns
// the sticky-session map plus the rate-limit / blocked / unauthorized marks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/store"
)

const defaultRateLimitTTL = time.Hour

// Selection is the result of account selection.
type Selection struct {
	AccountID   string
	AccountType string
}

type Scheduler struct {
	kv       store.KV
	accounts *account.Service
	cfg      *config.Config
}

func New(kv store.KV, accounts *account.Service, cfg *config.Config) *Scheduler {
	return &Scheduler{kv: kv, accounts: accounts, cfg: cfg}
}

// SelectAccountForAPIKey picks an account for (apiKey, sessionHash, model).
// A non-empty sessionHash routes with affinity: the mapped account is reused
// while healthy, and the mapping is refreshed on every hit.
func (s *Scheduler) SelectAccountForAPIKey(ctx context.Context, apiKeyID, sessionHash, model string) (*Selection, error) {
	if sessionHash != "" {
		if id, _ := s.kv.Get(ctx, store.KeyStickySession+sessionHash); id != "" {
			if acct, err := s.accounts.GetAccount(ctx, id); err == nil && s.isAvailable(ctx, acct) {
				_ = s.kv.SetEx(ctx, store.KeyStickySession+sessionHash, id, s.cfg.StickySessionTTL)
				return &Selection{AccountID: id, AccountType: account.TypeOAuth}, nil
			}
			// Mapped account is no longer usable; drop the mapping and reselect.
			_ = s.kv.Del(ctx, store.KeyStickySession+sessionHash)
		}
	}

	all, err := s.accounts.GetAllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var candidates []*account.Account
	for _, acct := range all {
		if s.isAvailable(ctx, acct) {
			candidates = append(candidates, acct)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no available accounts")
	}

	// Priority DESC, then least recently used first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return timeOrZero(candidates[i].LastUsedAt).Before(timeOrZero(candidates[j].LastUsedAt))
	})

	selected := candidates[0]

	if sessionHash != "" {
		_ = s.kv.SetEx(ctx, store.KeyStickySession+sessionHash, selected.ID, s.cfg.StickySessionTTL)
	}

	slog.Debug("account selected",
		"accountId", selected.ID, "apiKey", apiKeyID, "model", model, "sticky", sessionHash != "")
	return &Selection{AccountID: selected.ID, AccountType: account.TypeOAuth}, nil
}

func (s *Scheduler) isAvailable(ctx context.Context, acct *account.Account) bool {
	if acct == nil || !acct.IsActive || acct.Status != "active" {
		return false
	}
	if limited, _ := s.IsAccountRateLimited(ctx, acct.ID); limited {
		return false
	}
	if overloaded, _ := s.accounts.IsAccountOverloaded(ctx, acct.ID); overloaded {
		return false
	}
	return true
}

// MarkAccountRateLimited flags the account until resetAt (epoch seconds;
// zero means the default window) and severs the session affinity.
func (s *Scheduler) MarkAccountRateLimited(ctx context.Context, accountID, accountType, sessionHash string, resetAt int64) error {
	ttl := defaultRateLimitTTL
	value := "1"
	if resetAt > 0 {
		value = strconv.FormatInt(resetAt, 10)
		if until := time.Until(time.Unix(resetAt, 0)); until > time.Minute {
			ttl = until
		} else {
			ttl = time.Minute
		}
	}

	if err := s.kv.SetEx(ctx, store.KeyRateLimited+accountID, value, ttl); err != nil {
		return err
	}
	s.dropSticky(ctx, sessionHash)
	slog.Warn("account rate limited", "accountId", accountID, "resetAt", resetAt)
	return nil
}

func (s *Scheduler) IsAccountRateLimited(ctx context.Context, accountID string) (bool, error) {
	return s.kv.Exists(ctx, store.KeyRateLimited+accountID)
}

// RateLimitResetAt returns the stored reset time, or zero when unknown.
func (s *Scheduler) RateLimitResetAt(ctx context.Context, accountID string) (int64, error) {
	v, err := s.kv.Get(ctx, store.KeyRateLimited+accountID)
	if err != nil || v == "" || v == "1" {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func (s *Scheduler) RemoveAccountRateLimit(ctx context.Context, accountID string) error {
	return s.kv.Del(ctx, store.KeyRateLimited+accountID)
}

// MarkAccountUnauthorized takes the account out of rotation after an
// upstream 401 and severs session affinity.
func (s *Scheduler) MarkAccountUnauthorized(ctx context.Context, accountID, accountType, sessionHash string) error {
	err := s.accounts.SetFields(ctx, accountID, map[string]string{
		"status":       "error",
		"errorMessage": "upstream 401: authentication failed",
	})
	s.dropSticky(ctx, sessionHash)
	slog.Warn("account unauthorized", "accountId", accountID)
	return err
}

// MarkAccountBlocked records an upstream 403 ban signal.
func (s *Scheduler) MarkAccountBlocked(ctx context.Context, accountID, accountType, sessionHash string) error {
	err := s.accounts.SetFields(ctx, accountID, map[string]string{
		"status":       "blocked",
		"errorMessage": "upstream 403: account blocked",
	})
	s.dropSticky(ctx, sessionHash)
	slog.Error("account blocked", "accountId", accountID)
	return err
}

func (s *Scheduler) dropSticky(ctx context.Context, sessionHash string) {
	if sessionHash != "" {
		_ = s.kv.Del(ctx, store.KeyStickySession+sessionHash)
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
