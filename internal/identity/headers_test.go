package identity

import (
	"net/http"
	"strings"
	"testing"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
)

func testPreparerForHeaders() *Preparer {
	cfg := &config.Config{ClaudeAPIVersion: "2023-06-01"}
	return NewPreparer(cfg, NewPricingTable(""), stubValidator{ok: true})
}

func TestFilterClientHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-key")
	in.Set("X-Api-Key", "k")
	in.Set("Host", "relay.local")
	in.Set("Origin", "https://example.com")
	in.Set("Sec-Fetch-Site", "same-origin")
	in.Set("Accept", "application/json")
	in.Set("Accept-Charset", "utf-8")
	in.Set("X-Request-Id", "req-123")
	in.Set("Anthropic-Beta", "context-1m-2025-08-07")
	in.Set("X-Custom", "kept")

	out := FilterClientHeaders(in)

	for _, dropped := range []string{"Authorization", "X-Api-Key", "Host", "Origin", "Sec-Fetch-Site", "Accept", "Accept-Charset"} {
		if out.Get(dropped) != "" {
			t.Fatalf("%s should be dropped", dropped)
		}
	}
	if out.Get("X-Request-Id") != "req-123" {
		t.Fatal("x-request-id should always survive")
	}
	if out.Get("Anthropic-Beta") != "context-1m-2025-08-07" {
		t.Fatal("anthropic-beta should always survive")
	}
	if out.Get("X-Custom") != "kept" {
		t.Fatal("unlisted headers should pass")
	}
}

func TestBuildHeadersBaseline(t *testing.T) {
	p := testPreparerForHeaders()

	h := p.BuildHeaders(HeaderOptions{
		AccessToken:   "tok",
		Stream:        true,
		Beta:          "oauth-2025-04-20",
		ClientHeaders: http.Header{},
	})

	checks := map[string]string{
		"Content-Type":      "application/json",
		"anthropic-version": "2023-06-01",
		"Authorization":     "Bearer tok",
		"x-app":             "cli",
		"accept-encoding":   "gzip, deflate",
		"anthropic-dangerous-direct-browser-access": "true",
		"sec-fetch-mode":            "cors",
		"accept-language":           "*",
		"x-stainless-lang":          "js",
		"x-stainless-helper-method": "stream",
		"anthropic-beta":            "oauth-2025-04-20",
	}
	for k, want := range checks {
		if got := h.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if !strings.HasPrefix(h.Get("User-Agent"), "claude-cli/") {
		t.Fatalf("User-Agent = %q", h.Get("User-Agent"))
	}
}

func TestBuildHeadersNoStreamNoBeta(t *testing.T) {
	p := testPreparerForHeaders()

	h := p.BuildHeaders(HeaderOptions{AccessToken: "tok", ClientHeaders: http.Header{}})
	if h.Get("x-stainless-helper-method") != "" {
		t.Fatal("helper-method set on non-streaming request")
	}
	if h.Get("anthropic-beta") != "" {
		t.Fatal("anthropic-beta set without tokens")
	}
}

func TestBuildHeadersBanMode(t *testing.T) {
	p := testPreparerForHeaders()
	acct := &account.Account{ID: "a", BanMode: true}

	h := p.BuildHeaders(HeaderOptions{AccessToken: "tok", Account: acct, ClientHeaders: http.Header{}})

	for _, k := range []string{
		"User-Agent",
		"x-stainless-package-version",
		"x-stainless-os",
		"x-stainless-arch",
		"x-stainless-runtime",
		"x-stainless-runtime-version",
	} {
		if h.Get(k) == "" {
			t.Errorf("%s empty under ban mode", k)
		}
	}
}

func TestBuildHeadersUnifiedUserAgent(t *testing.T) {
	p := testPreparerForHeaders()
	acct := &account.Account{
		ID:                  "a",
		UseUnifiedUserAgent: true,
		UnifiedUserAgent:    "claude-cli/1.0.83 (external, cli)",
	}

	h := p.BuildHeaders(HeaderOptions{AccessToken: "tok", Account: acct, ClientHeaders: http.Header{}})
	if got := h.Get("User-Agent"); got != "claude-cli/1.0.83 (external, cli)" {
		t.Fatalf("User-Agent = %q", got)
	}
}

func TestBuildURL(t *testing.T) {
	base := "https://api.anthropic.com/v1/messages"

	cases := []struct {
		beta        string
		countTokens bool
		want        string
	}{
		{"", false, base},
		{"oauth-2025-04-20", false, base + "?beta=true"},
		{"", true, base + "/count_tokens"},
		{"token-counting-2024-11-01", true, base + "/count_tokens?beta=true"},
	}
	for _, c := range cases {
		if got := BuildURL(base, c.beta, c.countTokens); got != c.want {
			t.Errorf("BuildURL(beta=%q, count=%v) = %q, want %q", c.beta, c.countTokens, got, c.want)
		}
	}
}
