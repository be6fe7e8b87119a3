// Package proxyagent builds and caches outbound proxy dialers from
// per-account proxy descriptors.
package proxyagent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Descriptor identifies an upstream proxy. It is stored as JSON on the
// account record.
type Descriptor struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// PreferIPv4 overrides the factory default when non-nil. Accepts
	// bool, number or string in stored JSON.
	PreferIPv4 any `json:"useIPv4,omitempty"`
}

var validTypes = map[string]bool{"socks5": true, "http": true, "https": true}

// Parse accepts a Descriptor, a *Descriptor, or a JSON string/[]byte.
func Parse(v any) (*Descriptor, error) {
	var d *Descriptor
	switch x := v.(type) {
	case *Descriptor:
		d = x
	case Descriptor:
		d = &x
	case string:
		d = &Descriptor{}
		if err := json.Unmarshal([]byte(x), d); err != nil {
			return nil, fmt.Errorf("proxy descriptor: %w", err)
		}
	case []byte:
		d = &Descriptor{}
		if err := json.Unmarshal(x, d); err != nil {
			return nil, fmt.Errorf("proxy descriptor: %w", err)
		}
	default:
		return nil, fmt.Errorf("proxy descriptor: unsupported type %T", v)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	if d.Type == "" || d.Host == "" || d.Port == 0 {
		return fmt.Errorf("proxy descriptor: type, host and port are required")
	}
	if !validTypes[d.Type] {
		return fmt.Errorf("proxy descriptor: unsupported type %q", d.Type)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("proxy descriptor: port %d out of range", d.Port)
	}
	return nil
}

// cacheKey ignores the password: rotating a password reuses the agent slot.
func (d *Descriptor) cacheKey() string {
	return fmt.Sprintf("%s://%s:%d:%s", d.Type, d.Host, d.Port, d.Username)
}

// Agent dials through one configured proxy. Immutable after creation.
type Agent struct {
	desc    *Descriptor
	network string // tcp, tcp4 or tcp6
}

// Factory caches one Agent per type://host:port:username tuple.
type Factory struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	preferIPv4  bool
	dialTimeout time.Duration
}

func NewFactory(preferIPv4 bool) *Factory {
	return &Factory{
		agents:      make(map[string]*Agent),
		preferIPv4:  preferIPv4,
		dialTimeout: 30 * time.Second,
	}
}

// Get returns the cached agent for the descriptor, creating it on first use.
// A nil descriptor yields a nil agent (direct connection).
func (f *Factory) Get(v any) (*Agent, error) {
	if v == nil {
		return nil, nil
	}
	d, err := Parse(v)
	if err != nil {
		return nil, err
	}

	key := d.cacheKey()

	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.agents[key]; ok {
		return a, nil
	}

	a := &Agent{desc: d, network: f.network(d)}
	f.agents[key] = a
	return a, nil
}

func (f *Factory) network(d *Descriptor) string {
	v4 := f.preferIPv4
	switch p := d.PreferIPv4.(type) {
	case bool:
		v4 = p
	case float64:
		v4 = p != 0
	case string:
		switch strings.ToLower(p) {
		case "true", "1", "ipv4":
			v4 = true
		case "false", "0", "ipv6":
			return "tcp6"
		}
	}
	if v4 {
		return "tcp4"
	}
	return "tcp"
}

// Descriptor returns the agent's immutable descriptor.
func (a *Agent) Descriptor() *Descriptor {
	if a == nil {
		return nil
	}
	return a.desc
}

// DialContext connects to addr through the proxy and returns a raw
// connection ready for the caller's TLS handshake.
func (a *Agent) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	switch a.desc.Type {
	case "socks5":
		return a.dialSOCKS5(ctx, addr)
	default:
		return a.dialConnect(ctx, addr)
	}
}

func (a *Agent) dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

func (a *Agent) proxyAddr() string {
	return fmt.Sprintf("%s:%d", a.desc.Host, a.desc.Port)
}

func (a *Agent) dialSOCKS5(ctx context.Context, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if a.desc.Username != "" {
		auth = &proxy.Auth{User: a.desc.Username, Password: a.desc.Password}
	}

	d, err := proxy.SOCKS5(a.network, a.proxyAddr(), auth, a.dialer())
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	conn, err := d.(proxy.ContextDialer).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial: %w", err)
	}
	return conn, nil
}

func (a *Agent) dialConnect(ctx context.Context, addr string) (net.Conn, error) {
	rawConn, err := a.dialer().DialContext(ctx, a.network, a.proxyAddr())
	if err != nil {
		return nil, fmt.Errorf("proxy tcp dial: %w", err)
	}

	if err := ConnectTunnel(rawConn, addr, a.desc.Username, a.desc.Password); err != nil {
		rawConn.Close()
		return nil, err
	}
	return rawConn, nil
}

// ConnectTunnel issues a CONNECT request for addr on an established proxy
// connection and waits for a 200 response.
func ConnectTunnel(conn net.Conn, addr, username, password string) error {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if err := connectReq.Write(conn); err != nil {
		return fmt.Errorf("proxy CONNECT write: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), connectReq)
	if err != nil {
		return fmt.Errorf("proxy CONNECT read: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	return nil
}

// MaskDescriptor renders a descriptor for logs with credentials masked:
// usernames keep their first and last characters, passwords become
// up to eight asterisks.
func MaskDescriptor(d *Descriptor) string {
	if d == nil {
		return "direct"
	}
	s := fmt.Sprintf("%s://%s:%d", d.Type, d.Host, d.Port)
	if d.Username != "" {
		s += " user=" + maskUsername(d.Username)
	}
	if d.Password != "" {
		s += " pass=" + strings.Repeat("*", min(len(d.Password), 8))
	}
	return s
}

func maskUsername(u string) string {
	if len(u) <= 2 {
		return strings.Repeat("*", len(u))
	}
	return u[:1] + strings.Repeat("*", len(u)-2) + u[len(u)-1:]
}
