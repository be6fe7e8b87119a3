package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/auth"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/events"
	"github.com/okabe/claude-relay/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:             "127.0.0.1",
		Port:             0,
		APIKeys:          []string{"cr_test"},
		MaxRequestBodyMB: 1,
	}
	crypto := account.NewCrypto("test-key")
	return New(cfg, nil, nil, events.NewBus(10), store.NewMem(), auth.Middleware(cfg, crypto))
}

func do(t *testing.T, s *Server, method, path, body string, authorize bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorize {
		req.Header.Set("Authorization", "Bearer cr_test")
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestMessagesRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/v1/messages", `{"model":"m"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMessagesRejectsBadJSON(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/v1/messages", `{broken`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMessagesRequiresModel(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/v1/messages", `{"messages":[]}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestUsageEndpointWithoutLedger(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/admin/usage", "", true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.bus.Publish(events.Event{Type: events.EventRateLimit, AccountID: "a1", Timestamp: time.Now()})

	rec := do(t, s, http.MethodGet, "/admin/events", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rate_limit") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
