package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/proxyagent"
	"github.com/okabe/claude-relay/internal/retry"
	"github.com/okabe/claude-relay/internal/store"
)

// ClientProvider supplies HTTP clients honoring an account's proxy agent.
type ClientProvider interface {
	HTTPClient(agent *proxyagent.Agent) *http.Client
}

// TokenManager refreshes OAuth access tokens with cross-request locking.
type TokenManager struct {
	kv       store.KV
	crypto   *Crypto
	cfg      *config.Config
	client   *http.Client
	provider ClientProvider
	agents   *proxyagent.Factory
}

func NewTokenManager(kv store.KV, crypto *Crypto, cfg *config.Config, provider ClientProvider, agents *proxyagent.Factory) *TokenManager {
	return &TokenManager{
		kv:       kv,
		crypto:   crypto,
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		provider: provider,
		agents:   agents,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken returns a decrypted access token, refreshing when the
// stored one expires within the configured advance window.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	data, err := tm.kv.HGetAll(ctx, store.KeyAccountPrefix+accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}

	expiresAt, _ := strconv.ParseInt(data["expiresAt"], 10, 64)
	now := time.Now().UnixMilli()

	if expiresAt > 0 && now < expiresAt-tm.cfg.TokenRefreshAdvance.Milliseconds() {
		if enc := data["accessToken"]; enc != "" {
			token, err := tm.crypto.Decrypt(enc, tokenSalt)
			if err != nil {
				return "", fmt.Errorf("decrypt access token: %w", err)
			}
			return token, nil
		}
	}

	return tm.refresh(ctx, accountID, data)
}

// ForceRefresh refreshes regardless of the stored expiry.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	data, err := tm.kv.HGetAll(ctx, store.KeyAccountPrefix+accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	return tm.refresh(ctx, accountID, data)
}

func (tm *TokenManager) refresh(ctx context.Context, accountID string, data map[string]string) (string, error) {
	lockKey := store.KeyRefreshLock + accountID
	lockID := uuid.New().String()

	acquired, err := tm.kv.SetNX(ctx, lockKey, lockID, time.Minute)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}

	if !acquired {
		// Another request is refreshing. Wait briefly, then use its result.
		slog.Info("token refresh locked, waiting", "accountId", accountID)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}

		fresh, err := tm.kv.HGetAll(ctx, store.KeyAccountPrefix+accountID)
		if err != nil {
			return "", fmt.Errorf("re-read account: %w", err)
		}
		exp, _ := strconv.ParseInt(fresh["expiresAt"], 10, 64)
		if exp > time.Now().UnixMilli() && fresh["accessToken"] != "" {
			return tm.crypto.Decrypt(fresh["accessToken"], tokenSalt)
		}
		return "", fmt.Errorf("token refresh in progress for %s", accountID)
	}
	defer tm.releaseLock(ctx, lockKey, lockID)

	encRefresh := data["refreshToken"]
	if encRefresh == "" {
		return "", fmt.Errorf("account %s has no refresh token", accountID)
	}
	refreshToken, err := tm.crypto.Decrypt(encRefresh, tokenSalt)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	var tok *tokenResponse
	err = retry.Do(ctx, retry.DefaultAttempts, func() error {
		var rerr error
		tok, rerr = tm.requestRefresh(ctx, accountID, data["proxy"], refreshToken)
		return rerr
	})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	if err := tm.persist(ctx, accountID, tok); err != nil {
		return "", err
	}

	slog.Info("access token refreshed", "accountId", accountID, "expiresIn", tok.ExpiresIn)
	return tok.AccessToken, nil
}

func (tm *TokenManager) requestRefresh(ctx context.Context, accountID, proxyJSON, refreshToken string) (*tokenResponse, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     tm.cfg.OAuthClientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.OAuthTokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := tm.client
	if proxyJSON != "" {
		if agent, err := tm.agents.Get(proxyJSON); err == nil && agent != nil {
			client = tm.provider.HTTPClient(agent)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("refresh returned %d: %s", resp.StatusCode, truncate(string(body), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode refresh response: %w", err))
	}
	if tok.AccessToken == "" {
		return nil, retry.Permanent(fmt.Errorf("refresh response missing access_token"))
	}
	return &tok, nil
}

func (tm *TokenManager) persist(ctx context.Context, accountID string, tok *tokenResponse) error {
	encAccess, err := tm.crypto.Encrypt(tok.AccessToken, tokenSalt)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	fields := map[string]string{
		"accessToken":   encAccess,
		"expiresAt":     strconv.FormatInt(time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second).UnixMilli(), 10),
		"lastRefreshAt": time.Now().UTC().Format(time.RFC3339),
	}
	if tok.RefreshToken != "" {
		encRefresh, err := tm.crypto.Encrypt(tok.RefreshToken, tokenSalt)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		fields["refreshToken"] = encRefresh
	}

	if err := tm.kv.HSet(ctx, store.KeyAccountPrefix+accountID, fields); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	return nil
}

func (tm *TokenManager) releaseLock(ctx context.Context, lockKey, lockID string) {
	val, err := tm.kv.Get(ctx, lockKey)
	if err != nil || val != lockID {
		return
	}
	_ = tm.kv.Del(ctx, lockKey)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
