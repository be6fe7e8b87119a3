package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *UsageStore {
	t.Helper()
	s, err := OpenUsageStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsageStoreInsertAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []*UsageRecord{
		{APIKeyID: "k1", AccountID: "a1", Model: "claude-sonnet-4-20250514", InputTokens: 10, OutputTokens: 20},
		{APIKeyID: "k1", AccountID: "a1", Model: "claude-sonnet-4-20250514", InputTokens: 5, OutputTokens: 5, Stream: true},
		{APIKeyID: "k2", AccountID: "a2", Model: "claude-opus-4-20250514", InputTokens: 1, OutputTokens: 2},
	}
	for _, r := range recs {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.Summary(ctx, UsageQuery{GroupBy: "account"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("groups = %d, want 2", len(rows))
	}

	byKey := map[string]*UsageSummaryRow{}
	for _, r := range rows {
		byKey[r.Key] = r
	}
	a1 := byKey["a1"]
	if a1 == nil || a1.RequestCount != 2 || a1.InputTokens != 15 || a1.OutputTokens != 25 {
		t.Fatalf("a1 = %+v", a1)
	}

	filtered, err := s.Summary(ctx, UsageQuery{GroupBy: "model", APIKeyID: "k2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Key != "claude-opus-4-20250514" {
		t.Fatalf("filtered = %+v", filtered)
	}
}

func TestUsageStorePurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &UsageRecord{APIKeyID: "k", AccountID: "a", Model: "m", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &UsageRecord{APIKeyID: "k", AccountID: "a", Model: "m"}
	if err := s.Insert(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	rows, err := s.Summary(ctx, UsageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RequestCount != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}
