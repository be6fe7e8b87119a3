// Package server is the HTTP ingress: message relay endpoints, health, and
// a small operator surface for usage and events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/okabe/claude-relay/internal/auth"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/events"
	"github.com/okabe/claude-relay/internal/relay"
	"github.com/okabe/claude-relay/internal/store"
)

type Server struct {
	cfg   *config.Config
	relay *relay.Relay
	usage *store.UsageStore
	bus   *events.Bus
	kv    store.KV

	http *http.Server
}

func New(cfg *config.Config, rly *relay.Relay, usage *store.UsageStore, bus *events.Bus, kv store.KV, authWrap func(http.Handler) http.Handler) *Server {
	s := &Server{cfg: cfg, relay: rly, usage: usage, bus: bus, kv: kv}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/messages", authWrap(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /v1/messages/count_tokens", authWrap(http.HandlerFunc(s.handleCountTokens)))
	mux.Handle("GET /admin/usage", authWrap(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /admin/events", authWrap(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("GET /health", s.handleHealth)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	slog.Info("listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	limit := int64(s.cfg.MaxRequestBodyMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if _, ok := body["model"].(string); !ok {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return nil, false
	}
	return body, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key, _ := auth.FromContext(r.Context())
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	if stream, _ := body["stream"].(bool); stream {
		s.serveStream(w, r, body, key.ID)
		return
	}

	result, err := s.relay.RelayRequest(r.Context(), body, key.ID, r.Header, false)
	if err != nil {
		slog.Error("relay failed", "key", key.ID, "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeUpstream(w, result)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, body map[string]any, keyID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.relay.RelayStream(r.Context(), body, keyID, r.Header, w, flusher, nil, func(u relay.Usage) {
		slog.Info("stream usage",
			"key", keyID, "accountId", u.AccountID, "model", u.Model,
			"in", u.InputTokens, "out", u.OutputTokens)
	})
	if err != nil {
		slog.Warn("stream ended with error", "key", keyID, "error", err)
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	key, _ := auth.FromContext(r.Context())
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	result, err := s.relay.RelayRequest(r.Context(), body, key.ID, r.Header, true)
	if err != nil {
		slog.Error("count_tokens relay failed", "key", key.ID, "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeUpstream(w, result)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSONError(w, http.StatusNotFound, "usage ledger disabled")
		return
	}

	q := store.UsageQuery{
		GroupBy:   r.URL.Query().Get("group_by"),
		AccountID: r.URL.Query().Get("account_id"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		}
	}

	rows, err := s.usage.Summary(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": rows})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.kv.Ping(r.Context()); err != nil {
		status = fmt.Sprintf("kv unavailable: %v", err)
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func writeUpstream(w http.ResponseWriter, result *relay.Result) {
	if ct := result.Headers.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if v := result.Headers.Get("anthropic-ratelimit-unified-reset"); v != "" {
		w.Header().Set("anthropic-ratelimit-unified-reset", v)
	}
	if v := result.Headers.Get("x-request-id"); v != "" {
		w.Header().Set("x-request-id", v)
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
