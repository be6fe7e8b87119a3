package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/okabe/claude-relay/internal/proxyagent"
	"github.com/okabe/claude-relay/internal/store"
)

const (
	serverErrorTTL = 10 * time.Minute

	// ServerErrorAlarmThreshold is diagnostic only; crossing it logs an
	// alarm but never auto-disables the account.
	ServerErrorAlarmThreshold = 3
)

// Service reads accounts and owns their KV-backed health state.
type Service struct {
	kv     store.KV
	crypto *Crypto
	tokens *TokenManager
}

func NewService(kv store.KV, crypto *Crypto, tokens *TokenManager) *Service {
	return &Service{kv: kv, crypto: crypto, tokens: tokens}
}

func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	data, err := s.kv.HGetAll(ctx, store.KeyAccountPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	acct := fromFields(id, data)
	if acct == nil {
		return nil, fmt.Errorf("account %s not found", id)
	}
	return acct, nil
}

func (s *Service) GetAllAccounts(ctx context.Context) ([]*Account, error) {
	ids, err := s.kv.SMembers(ctx, store.KeyAccountIndex)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := s.kv.HGetAll(ctx, store.KeyAccountPrefix+id)
		if err != nil {
			continue
		}
		if acct := fromFields(id, data); acct != nil {
			out = append(out, acct)
		}
	}
	return out, nil
}

// GetValidAccessToken returns a decrypted access token, refreshing first
// when the stored one is expired or about to expire.
func (s *Service) GetValidAccessToken(ctx context.Context, id string) (string, error) {
	return s.tokens.EnsureValidToken(ctx, id)
}

// Create registers a new account. Used by the management surface and tests;
// the relay core itself never creates accounts.
func (s *Service) Create(ctx context.Context, name, refreshToken string, proxy *proxyagent.Descriptor, priority int) (*Account, error) {
	id := uuid.New().String()

	encRefresh, err := s.crypto.Encrypt(refreshToken, tokenSalt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fields := map[string]string{
		"id":           id,
		"name":         name,
		"isActive":     "true",
		"status":       "active",
		"priority":     strconv.Itoa(priority),
		"refreshToken": encRefresh,
		"expiresAt":    "0",
		"createdAt":    now.Format(time.RFC3339),
	}
	if proxy != nil {
		proxyJSON, _ := json.Marshal(proxy)
		fields["proxy"] = string(proxyJSON)
	}

	if err := s.kv.HSet(ctx, store.KeyAccountPrefix+id, fields); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, store.KeyAccountIndex, id); err != nil {
		return nil, err
	}

	return &Account{
		ID:        id,
		Name:      name,
		IsActive:  true,
		Status:    "active",
		Priority:  priority,
		Proxy:     proxy,
		CreatedAt: now,
	}, nil
}

func (s *Service) SetFields(ctx context.Context, id string, fields map[string]string) error {
	return s.kv.HSet(ctx, store.KeyAccountPrefix+id, fields)
}

func (s *Service) UpdateLastUsed(ctx context.Context, id string) error {
	return s.SetFields(ctx, id, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// CaptureUserAgent records the first canonical claude-cli User-Agent seen
// from a client, for accounts that replay a unified UA.
func (s *Service) CaptureUserAgent(ctx context.Context, id, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	data, err := s.kv.HGetAll(ctx, store.KeyAccountPrefix+id)
	if err != nil {
		return err
	}
	if data["unifiedUserAgent"] != "" {
		return nil
	}
	return s.SetFields(ctx, id, map[string]string{"unifiedUserAgent": userAgent})
}

// --- Overload flag ---

func (s *Service) MarkAccountOverloaded(ctx context.Context, id string, ttl time.Duration) error {
	return s.kv.SetEx(ctx, store.KeyOverloaded+id, "1", ttl)
}

func (s *Service) RemoveAccountOverload(ctx context.Context, id string) error {
	return s.kv.Del(ctx, store.KeyOverloaded+id)
}

func (s *Service) IsAccountOverloaded(ctx context.Context, id string) (bool, error) {
	return s.kv.Exists(ctx, store.KeyOverloaded+id)
}

// --- Server error counter ---

func (s *Service) RecordServerError(ctx context.Context, id string) (int64, error) {
	n, err := s.kv.Incr(ctx, store.KeyServerErrors+id)
	if err != nil {
		return 0, err
	}
	if err := s.kv.Expire(ctx, store.KeyServerErrors+id, serverErrorTTL); err != nil {
		return n, err
	}
	return n, nil
}

func (s *Service) GetServerErrorCount(ctx context.Context, id string) (int64, error) {
	v, err := s.kv.Get(ctx, store.KeyServerErrors+id)
	if err != nil || v == "" {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func (s *Service) ClearInternalErrors(ctx context.Context, id string) error {
	return s.kv.Del(ctx, store.KeyServerErrors+id)
}

// --- Session window ---

func (s *Service) UpdateSessionWindowStatus(ctx context.Context, id, status string) error {
	return s.SetFields(ctx, id, map[string]string{"sessionWindowStatus": status})
}
