// Package relay orchestrates the request lifecycle: pick an account,
// prepare the body and headers, dispatch over the pooled HTTP/2 transport,
// classify the outcome, and account for usage.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/dump"
	"github.com/okabe/claude-relay/internal/events"
	"github.com/okabe/claude-relay/internal/health"
	"github.com/okabe/claude-relay/internal/identity"
	"github.com/okabe/claude-relay/internal/proxyagent"
	"github.com/okabe/claude-relay/internal/scheduler"
	"github.com/okabe/claude-relay/internal/store"
	"github.com/okabe/claude-relay/internal/transport"
)

// Result is a completed non-streaming relay exchange.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	AccountID  string
}

type Relay struct {
	cfg       *config.Config
	transport *transport.Manager
	accounts  *account.Service
	scheduler *scheduler.Scheduler
	health    *health.Controller
	preparer  *identity.Preparer
	proxies   *proxyagent.Factory
	pricing   *identity.PricingTable
	usage     *store.UsageStore
	bus       *events.Bus
	dumper    *dump.Dumper
}

type Deps struct {
	Config    *config.Config
	Transport *transport.Manager
	Accounts  *account.Service
	Scheduler *scheduler.Scheduler
	Health    *health.Controller
	Preparer  *identity.Preparer
	Proxies   *proxyagent.Factory
	Pricing   *identity.PricingTable
	Usage     *store.UsageStore
	Bus       *events.Bus
	Dumper    *dump.Dumper
}

func New(d Deps) *Relay {
	return &Relay{
		cfg:       d.Config,
		transport: d.Transport,
		accounts:  d.Accounts,
		scheduler: d.Scheduler,
		health:    d.Health,
		preparer:  d.Preparer,
		proxies:   d.Proxies,
		pricing:   d.Pricing,
		usage:     d.Usage,
		bus:       d.Bus,
		dumper:    d.Dumper,
	}
}

// dispatch is the shared front half of both entry points: account
// selection, token fetch, body preparation and header construction.
type dispatch struct {
	accountID   string
	accountType string
	sessionHash string
	model       string
	url         string
	headers     http.Header
	body        []byte
	agent       *proxyagent.Agent
}

func (r *Relay) prepare(ctx context.Context, body map[string]any, keyID string, clientHeaders http.Header, isCountTokens, stream bool) (*dispatch, error) {
	sessionHash := identity.SessionHash(body)
	model, _ := body["model"].(string)

	sel, err := r.scheduler.SelectAccountForAPIKey(ctx, keyID, sessionHash, model)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}

	token, err := r.accounts.GetValidAccessToken(ctx, sel.AccountID)
	if err != nil {
		return nil, fmt.Errorf("access token for %s: %w", sel.AccountID, err)
	}
	acct, err := r.accounts.GetAccount(ctx, sel.AccountID)
	if err != nil {
		return nil, err
	}

	if acct.UseUnifiedUserAgent {
		if ua := clientHeaders.Get("User-Agent"); strings.HasPrefix(ua, "claude-cli/") {
			if err := r.accounts.CaptureUserAgent(ctx, acct.ID, ua); err != nil {
				slog.Debug("user-agent capture failed", "accountId", acct.ID, "error", err)
			}
		}
	}

	processed := r.preparer.PrepareBody(body, clientHeaders, acct, isCountTokens)
	payload, err := json.Marshal(processed)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	outModel, _ := processed["model"].(string)
	beta := identity.SelectBeta(outModel, r.cfg.ClaudeBetaHeader, clientHeaders.Get("anthropic-beta"), isCountTokens)

	headers := r.preparer.BuildHeaders(identity.HeaderOptions{
		AccessToken:   token,
		Account:       acct,
		Stream:        stream,
		Beta:          beta,
		ClientHeaders: clientHeaders,
	})

	agent, err := r.proxies.Get(descriptorOrNil(acct.Proxy))
	if err != nil {
		slog.Warn("proxy descriptor rejected, going direct",
			"accountId", acct.ID, "error", err)
		agent = nil
	}

	if err := r.accounts.UpdateLastUsed(ctx, acct.ID); err != nil {
		slog.Debug("lastUsedAt update failed", "accountId", acct.ID, "error", err)
	}

	d := &dispatch{
		accountID:   sel.AccountID,
		accountType: sel.AccountType,
		sessionHash: sessionHash,
		model:       outModel,
		url:         identity.BuildURL(r.cfg.ClaudeAPIURL, beta, isCountTokens),
		headers:     headers,
		body:        payload,
		agent:       agent,
	}
	r.dumper.Write(outModel, "request", headers, payload, map[string]any{
		"accountId": d.accountID,
		"url":       d.url,
		"stream":    stream,
	})
	return d, nil
}

// descriptorOrNil avoids handing Factory.Get a typed-nil any.
func descriptorOrNil(d *proxyagent.Descriptor) any {
	if d == nil {
		return nil
	}
	return d
}

// RelayRequest performs a buffered exchange and returns the upstream
// response annotated with the serving account.
func (r *Relay) RelayRequest(ctx context.Context, body map[string]any, keyID string, clientHeaders http.Header, isCountTokens bool) (*Result, error) {
	start := time.Now()

	d, err := r.prepare(ctx, body, keyID, clientHeaders, isCountTokens, false)
	if err != nil {
		return nil, err
	}

	resp, err := r.transport.Request(ctx, d.url, transport.Options{
		Method:  http.MethodPost,
		Headers: d.headers,
		Body:    d.body,
		Agent:   d.agent,
		Timeout: r.cfg.RequestTimeout,
	})
	if err != nil {
		return nil, r.connectionFailure(ctx, d, err)
	}

	r.dumper.Write(d.model, "response", resp.Headers, resp.Body, map[string]any{
		"accountId": d.accountID,
		"status":    resp.StatusCode,
	})

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		r.health.HandleSuccess(ctx, d.accountID, resp.Headers)
		if !isCountTokens {
			u := usageFromResponse(resp.Body, d.body, d.model)
			u.AccountID = d.accountID
			r.recordUsage(ctx, keyID, u, false, "ok", time.Since(start))
		}
	} else {
		r.health.HandleFailure(ctx, d.accountID, d.accountType, d.sessionHash,
			resp.StatusCode, resp.Headers, resp.Body)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		AccountID:  d.accountID,
	}, nil
}

// connectionFailure handles a transport-level error: synthesized 504s count
// as server errors, and the caller gets a humanized message when one exists.
func (r *Relay) connectionFailure(ctx context.Context, d *dispatch, err error) error {
	code, message := transport.ClassifyError(err)
	if code == transport.CodeTimeout && !errors.Is(ctx.Err(), context.Canceled) {
		r.health.RecordServerError(ctx, d.accountID)
	}
	if message != "" {
		return fmt.Errorf("%s: %w", message, err)
	}
	return err
}

// RelayStream opens the upstream SSE exchange and forwards it to w,
// tapping usage telemetry from the byte stream. usageCallback fires exactly
// once after a successful stream, never on failure.
func (r *Relay) RelayStream(ctx context.Context, body map[string]any, keyID string, clientHeaders http.Header, w io.Writer, flusher http.Flusher, transform StreamTransformer, usageCallback func(Usage)) error {
	start := time.Now()

	d, err := r.prepare(ctx, body, keyID, clientHeaders, false, true)
	if err != nil {
		return err
	}

	stream, err := r.transport.StreamSSE(ctx, d.url, transport.Options{
		Method:  http.MethodPost,
		Headers: d.headers,
		Body:    d.body,
		Agent:   d.agent,
	})
	if err != nil {
		code, message := transport.ClassifyError(err)
		status := statusForConnError(code)
		if status == http.StatusGatewayTimeout {
			r.health.RecordServerError(ctx, d.accountID)
		}
		if message == "" {
			message = "Upstream connection failed"
		}
		writeSSEError(w, flusher, status, message, "")
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if stream.StatusCode < 200 || stream.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(stream.Body, 1<<20))
		r.health.HandleFailure(ctx, d.accountID, d.accountType, d.sessionHash,
			stream.StatusCode, stream.Headers, errBody)
		r.dumper.Write(d.model, "stream_error", stream.Headers, errBody, map[string]any{
			"accountId": d.accountID,
			"status":    stream.StatusCode,
		})
		writeSSEError(w, flusher, stream.StatusCode, "Upstream error", string(errBody))
		return fmt.Errorf("upstream status %d", stream.StatusCode)
	}

	t := &tap{dst: w, flusher: flusher, transform: transform}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := stream.Body.Read(buf)
		if n > 0 {
			if err := t.consume(buf[:n]); err != nil {
				// Client went away; upstream is canceled via ctx.
				return fmt.Errorf("write to client: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			code, message := transport.ClassifyError(readErr)
			status := statusForConnError(code)
			if status == http.StatusGatewayTimeout {
				r.health.RecordServerError(ctx, d.accountID)
			}
			if message == "" {
				message = "Stream interrupted"
			}
			writeSSEError(w, flusher, status, message, "")
			return fmt.Errorf("read stream: %w", readErr)
		}
	}

	t.drain()

	finalUsage, haveUsage := t.parser.finish(d.model)

	switch {
	case t.parser.rateLimitDetect || stream.StatusCode == http.StatusTooManyRequests:
		r.health.HandleRateLimit(ctx, d.accountID, d.accountType, d.sessionHash,
			health.ResetAtFromHeaders(stream.Headers))
	case stream.StatusCode == http.StatusOK:
		r.health.HandleSuccess(ctx, d.accountID, stream.Headers)
	}

	if haveUsage {
		finalUsage.AccountID = d.accountID
		r.recordUsage(ctx, keyID, finalUsage, true, "ok", time.Since(start))
		if usageCallback != nil {
			usageCallback(finalUsage)
		}
	}
	return nil
}

func (r *Relay) recordUsage(ctx context.Context, keyID string, u Usage, stream bool, status string, elapsed time.Duration) {
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:      events.EventUsage,
			AccountID: u.AccountID,
			Message: fmt.Sprintf("%s in=%d out=%d cacheW=%d cacheR=%d",
				u.Model, u.InputTokens, u.OutputTokens,
				u.CacheCreationInputTokens, u.CacheReadInputTokens),
		})
	}
	if r.usage == nil {
		return
	}
	rec := &store.UsageRecord{
		APIKeyID:                 keyID,
		AccountID:                u.AccountID,
		Model:                    u.Model,
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		Ephemeral5mInputTokens:   u.Ephemeral5mInputTokens,
		Ephemeral1hInputTokens:   u.Ephemeral1hInputTokens,
		CostUSD:                  costUSD(r.pricing, u),
		Stream:                   stream,
		Status:                   status,
		DurationMs:               elapsed.Milliseconds(),
	}
	if err := r.usage.Insert(ctx, rec); err != nil {
		slog.Warn("usage insert failed", "error", err)
	}
}
