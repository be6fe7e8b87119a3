package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/okabe/claude-relay/internal/config"
	"github.com/okabe/claude-relay/internal/proxyagent"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"
)

const (
	reapInterval = time.Minute
	idleTimeout  = 5 * time.Minute
)

type session struct {
	rt       *http2.Transport
	lastUsed time.Time
}

// Manager owns the HTTP/2 session pool. Sessions are keyed by destination
// host:port plus the proxy tuple, reused across requests, and reaped after
// five idle minutes.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*session
	group   singleflight.Group

	connectTimeout time.Duration
	requestTimeout time.Duration
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		entries:        make(map[string]*session),
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
	}
}

// sessionKey distinguishes destination and proxy route. Port defaults to 443.
func sessionKey(host string, agent *proxyagent.Agent) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	if d := agent.Descriptor(); d != nil {
		return host + "|" + d.Type + "://" + d.Host + ":" + strconv.Itoa(d.Port) + ":" + d.Username
	}
	return host
}

// session returns the pooled transport for key, creating it at most once
// per key even under concurrent first use.
func (m *Manager) session(key string, agent *proxyagent.Agent) (*http2.Transport, error) {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.rt, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok {
			e.lastUsed = time.Now()
			m.mu.Unlock()
			return e.rt, nil
		}
		m.mu.Unlock()

		rt := m.buildTransport(agent)

		m.mu.Lock()
		m.entries[key] = &session{rt: rt, lastUsed: time.Now()}
		m.mu.Unlock()
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*http2.Transport), nil
}

func (m *Manager) buildTransport(agent *proxyagent.Agent) *http2.Transport {
	connectTimeout := m.connectTimeout
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			dctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			return dialTLS(dctx, addr, agent)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
}

// evict drops a session whose connection failed. Safe to call repeatedly.
func (m *Manager) evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.rt.CloseIdleConnections()
		delete(m.entries, key)
	}
}

// RunReaper closes idle sessions until ctx is canceled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(idleTimeout)
		}
	}
}

func (m *Manager) reap(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			e.rt.CloseIdleConnections()
			delete(m.entries, key)
		}
	}
}

// Close tears down every pooled session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		e.rt.CloseIdleConnections()
		delete(m.entries, key)
	}
}

// HTTPClient adapts the manager for collaborators that want a plain
// http.Client honoring an account's proxy (token refresh).
func (m *Manager) HTTPClient(agent *proxyagent.Agent) *http.Client {
	if agent == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     idleTimeout,
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialTLS(ctx, addr, agent)
			},
		},
	}
}
