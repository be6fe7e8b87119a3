// Package auth gates the ingress on operator-issued API keys.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
)

type contextKey struct{}

// KeyInfo identifies the authenticated caller. ID is a stable hash of the
// presented key, safe for logs and the usage ledger.
type KeyInfo struct {
	ID string
}

// FromContext returns the caller's key info, if authenticated.
func FromContext(ctx context.Context) (KeyInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(KeyInfo)
	return info, ok
}

// Middleware validates the API key from Authorization: Bearer or x-api-key
// and stores its hashed identity on the request context.
func Middleware(cfg *config.Config, crypto *account.Crypto) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := presentedKey(r)
			if key == "" || !keyAllowed(cfg.APIKeys, key) {
				slog.Debug("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			info := KeyInfo{ID: crypto.HashAPIKey(key)[:16]}
			ctx := context.WithValue(r.Context(), contextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func keyAllowed(keys []string, presented string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}
