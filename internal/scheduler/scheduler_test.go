package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemKV) {
	t.Helper()
	kv := store.NewMem()
	cfg := &config.Config{StickySessionTTL: time.Hour}
	accounts := account.NewService(kv, nil, nil)
	return New(kv, accounts, cfg), kv
}

func addAccount(t *testing.T, kv *store.MemKV, id string, priority string, lastUsed string) {
	t.Helper()
	ctx := context.Background()
	fields := map[string]string{
		"id": id, "name": id, "isActive": "true", "status": "active",
		"priority": priority,
	}
	if lastUsed != "" {
		fields["lastUsedAt"] = lastUsed
	}
	if err := kv.HSet(ctx, store.KeyAccountPrefix+id, fields); err != nil {
		t.Fatal(err)
	}
	if err := kv.SAdd(ctx, store.KeyAccountIndex, id); err != nil {
		t.Fatal(err)
	}
}

func TestSelectPrefersHighPriority(t *testing.T) {
	s, kv := newTestScheduler(t)
	addAccount(t, kv, "low", "10", "")
	addAccount(t, kv, "high", "50", "")

	sel, err := s.SelectAccountForAPIKey(context.Background(), "key", "", "claude-sonnet-4-20250514")
	if err != nil {
		t.Fatal(err)
	}
	if sel.AccountID != "high" {
		t.Fatalf("selected %s, want high", sel.AccountID)
	}
	if sel.AccountType != account.TypeOAuth {
		t.Fatalf("account type = %q", sel.AccountType)
	}
}

func TestSelectLeastRecentlyUsedWithinPriority(t *testing.T) {
	s, kv := newTestScheduler(t)
	now := time.Now().UTC()
	addAccount(t, kv, "fresh", "10", now.Format(time.RFC3339))
	addAccount(t, kv, "stale", "10", now.Add(-time.Hour).Format(time.RFC3339))

	sel, err := s.SelectAccountForAPIKey(context.Background(), "key", "", "m")
	if err != nil {
		t.Fatal(err)
	}
	if sel.AccountID != "stale" {
		t.Fatalf("selected %s, want stale", sel.AccountID)
	}
}

func TestStickySessionReusesAccount(t *testing.T) {
	s, kv := newTestScheduler(t)
	addAccount(t, kv, "a1", "10", "")
	addAccount(t, kv, "a2", "10", "")
	ctx := context.Background()

	first, err := s.SelectAccountForAPIKey(ctx, "key", "sess-1", "m")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		next, err := s.SelectAccountForAPIKey(ctx, "key", "sess-1", "m")
		if err != nil {
			t.Fatal(err)
		}
		if next.AccountID != first.AccountID {
			t.Fatalf("affinity broken: %s then %s", first.AccountID, next.AccountID)
		}
	}
}

func TestRateLimitedAccountRoutesElsewhere(t *testing.T) {
	s, kv := newTestScheduler(t)
	addAccount(t, kv, "a1", "50", "")
	addAccount(t, kv, "a2", "10", "")
	ctx := context.Background()

	first, err := s.SelectAccountForAPIKey(ctx, "key", "sess-1", "m")
	if err != nil {
		t.Fatal(err)
	}
	if first.AccountID != "a1" {
		t.Fatalf("selected %s, want a1", first.AccountID)
	}

	if err := s.MarkAccountRateLimited(ctx, "a1", account.TypeOAuth, "sess-1", 1700000000); err != nil {
		t.Fatal(err)
	}
	if v, _ := kv.Get(ctx, store.KeyStickySession+"sess-1"); v != "" {
		t.Fatal("sticky mapping should be dropped")
	}

	second, err := s.SelectAccountForAPIKey(ctx, "key", "sess-1", "m")
	if err != nil {
		t.Fatal(err)
	}
	if second.AccountID != "a2" {
		t.Fatalf("selected %s, want a2", second.AccountID)
	}
}

func TestNoAvailableAccounts(t *testing.T) {
	s, kv := newTestScheduler(t)
	ctx := context.Background()

	addAccount(t, kv, "a1", "10", "")
	kv.HSet(ctx, store.KeyAccountPrefix+"a1", map[string]string{"status": "error"})

	if _, err := s.SelectAccountForAPIKey(ctx, "key", "", "m"); err == nil {
		t.Fatal("expected error with no usable accounts")
	}
}

func TestMarkUnauthorizedDisablesAccount(t *testing.T) {
	s, kv := newTestScheduler(t)
	addAccount(t, kv, "a1", "10", "")
	ctx := context.Background()

	if err := s.MarkAccountUnauthorized(ctx, "a1", account.TypeOAuth, ""); err != nil {
		t.Fatal(err)
	}

	data, _ := kv.HGetAll(ctx, store.KeyAccountPrefix+"a1")
	if data["status"] != "error" {
		t.Fatalf("status = %q, want error", data["status"])
	}
	if _, err := s.SelectAccountForAPIKey(ctx, "key", "", "m"); err == nil {
		t.Fatal("unauthorized account should not be selectable")
	}
}
