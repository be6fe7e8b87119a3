package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// UsageStore persists per-request usage records in SQLite.
type UsageStore struct {
	db *sql.DB
}

// OpenUsageStore opens (or creates) the usage ledger at dbPath.
func OpenUsageStore(dbPath string) (*UsageStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &UsageStore{db: db}, nil
}

func (s *UsageStore) Close() error {
	return s.db.Close()
}

func (s *UsageStore) Insert(ctx context.Context, rec *UsageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (
			api_key_id, account_id, model,
			input_tokens, output_tokens,
			cache_creation_input_tokens, cache_read_input_tokens,
			ephemeral_5m_input_tokens, ephemeral_1h_input_tokens,
			cost_usd, stream, status, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.APIKeyID, rec.AccountID, rec.Model,
		rec.InputTokens, rec.OutputTokens,
		rec.CacheCreationInputTokens, rec.CacheReadInputTokens,
		rec.Ephemeral5mInputTokens, rec.Ephemeral1hInputTokens,
		rec.CostUSD, boolToInt(rec.Stream), rec.Status, rec.DurationMs,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// Summary aggregates usage rows grouped by the requested dimension.
func (s *UsageStore) Summary(ctx context.Context, q UsageQuery) ([]*UsageSummaryRow, error) {
	groupExpr := "substr(created_at, 1, 10)"
	switch q.GroupBy {
	case "account":
		groupExpr = "account_id"
	case "model":
		groupExpr = "model"
	case "key":
		groupExpr = "api_key_id"
	}

	query := fmt.Sprintf(`
		SELECT %s AS grp,
			COUNT(*) AS requests,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_input_tokens), 0),
			COALESCE(SUM(cache_creation_input_tokens), 0)
		FROM usage_log
		WHERE 1=1`, groupExpr)

	args := []any{}
	if q.APIKeyID != "" {
		query += " AND api_key_id = ?"
		args = append(args, q.APIKeyID)
	}
	if q.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, q.AccountID)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}
	query += " GROUP BY grp ORDER BY grp"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var out []*UsageSummaryRow
	for rows.Next() {
		r := &UsageSummaryRow{}
		if err := rows.Scan(&r.Key, &r.RequestCount, &r.InputTokens, &r.OutputTokens, &r.CacheReadTokens, &r.CacheCreationTokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Purge removes usage rows created before the cutoff. Returns rows deleted.
func (s *UsageStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM usage_log WHERE created_at < ?",
		before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purge usage: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
