// Package transport maintains long-lived HTTP/2 sessions to the vendor API,
// keyed by destination and proxy, with idle reaping and Chrome-fingerprint
// TLS. It exposes a buffered Request and a live StreamSSE.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okabe/claude-relay/internal/proxyagent"
)

// Options control a single upstream exchange.
type Options struct {
	Method  string
	Headers http.Header
	Body    []byte
	Agent   *proxyagent.Agent
	Timeout time.Duration // whole-exchange budget for buffered requests

	// OnResponse fires exactly once when response headers arrive.
	OnResponse func(statusCode int, headers http.Header)
}

// Response is a fully buffered upstream response. Body is decompressed
// according to the upstream Content-Encoding.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Stream is a live SSE response. The caller owns Body and must Close it.
type Stream struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

func (s *Stream) Close() error {
	return s.Body.Close()
}

// Request performs a buffered HTTP/2 exchange.
func (m *Manager) Request(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	req, key, err := m.prepare(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.requestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := m.do(req.WithContext(reqCtx), key, opts.Agent)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	headers := normalizeHeaders(resp.Header)
	if opts.OnResponse != nil {
		opts.OnResponse(resp.StatusCode, headers)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// StreamSSE opens a live SSE exchange. Response headers are reported through
// opts.OnResponse before the stream is returned.
func (m *Manager) StreamSSE(ctx context.Context, rawURL string, opts Options) (*Stream, error) {
	if opts.Headers == nil {
		opts.Headers = make(http.Header)
	}
	if opts.Headers.Get("Accept") == "" {
		opts.Headers.Set("Accept", "text/event-stream")
	}

	req, key, err := m.prepare(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}

	resp, err := m.do(req, key, opts.Agent)
	if err != nil {
		return nil, err
	}

	headers := normalizeHeaders(resp.Header)
	if opts.OnResponse != nil {
		opts.OnResponse(resp.StatusCode, headers)
	}

	return &Stream{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       resp.Body,
	}, nil
}

// prepare builds the outgoing request and resolves the session key.
func (m *Manager) prepare(ctx context.Context, rawURL string, opts Options) (*http.Request, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse url: %w", err)
	}

	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = strings.NewReader(string(opts.Body))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	// Callers never control the HTTP/2 pseudo-headers; those come from the
	// request line and URL.
	for k, vals := range opts.Headers {
		if strings.HasPrefix(k, ":") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	key := sessionKey(u.Host, opts.Agent)
	return req, key, nil
}

func (m *Manager) do(req *http.Request, key string, agent *proxyagent.Agent) (*http.Response, error) {
	rt, err := m.session(key, agent)
	if err != nil {
		return nil, err
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		if isConnectionError(err) {
			m.evict(key)
		}
		return nil, err
	}
	return resp, nil
}

// normalizeHeaders strips HTTP/2 pseudo-headers from a response header map.
// Go's h2 client never surfaces them, but raw maps built elsewhere might.
func normalizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if strings.HasPrefix(k, ":") {
			continue
		}
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}
