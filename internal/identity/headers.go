package identity

import (
	"net/http"
	"strings"

	"github.com/okabe/claude-relay/internal/account"
)

// cliVersion is the fixed CLI identity presented upstream outside ban mode.
const cliVersion = "1.0.119"

// HeaderOptions carries everything header construction needs.
type HeaderOptions struct {
	AccessToken   string
	Account       *account.Account
	Stream        bool
	Beta          string
	ClientHeaders http.Header
}

// sensitiveClientHeaders never pass through from the ingress request.
var sensitiveClientHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"content-type":        true,
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"proxy-authorization": true,
	"content-encoding":    true,
	"transfer-encoding":   true,
}

// browserClientHeaders are dropped so the upstream sees a CLI, not a browser.
var browserClientHeaders = map[string]bool{
	"origin":  true,
	"referer": true,
	"pragma":  true,
	"anthropic-dangerous-direct-browser-access": true,
}

// keepClientHeaders survive filtering unconditionally.
var keepClientHeaders = map[string]bool{
	"x-request-id":      true,
	"anthropic-version": true,
	"anthropic-beta":    true,
}

// FilterClientHeaders returns the ingress headers safe to forward upstream.
func FilterClientHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for name, values := range h {
		lower := strings.ToLower(name)
		if !keepClientHeaders[lower] {
			if sensitiveClientHeaders[lower] || browserClientHeaders[lower] {
				continue
			}
			if strings.HasPrefix(lower, "sec-") || strings.HasPrefix(lower, "accept-") || lower == "accept" {
				continue
			}
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// BuildHeaders computes the outbound header set: filtered client headers
// overlaid with the fixed CLI baseline, bearer auth, and (in ban mode) a
// randomized fingerprint.
func (p *Preparer) BuildHeaders(opts HeaderOptions) http.Header {
	h := FilterClientHeaders(opts.ClientHeaders)

	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", p.cfg.ClaudeAPIVersion)
	h.Set("Authorization", "Bearer "+opts.AccessToken)
	h.Set("anthropic-dangerous-direct-browser-access", "true")
	h.Set("x-app", "cli")
	h.Set("accept-language", "*")
	h.Set("sec-fetch-mode", "cors")
	h.Set("accept-encoding", "gzip, deflate")
	h.Set("x-stainless-lang", "js")
	h.Set("x-stainless-retry-count", "0")
	h.Set("x-stainless-timeout", "60")

	fp := baselineFingerprint()
	if opts.Account != nil {
		if opts.Account.BanMode {
			fp = RandomFingerprint()
		} else if opts.Account.UseUnifiedUserAgent && opts.Account.UnifiedUserAgent != "" {
			fp.UserAgent = opts.Account.UnifiedUserAgent
		}
	}
	h.Set("User-Agent", fp.UserAgent)
	h.Set("x-stainless-package-version", fp.PackageVersion)
	h.Set("x-stainless-os", fp.OS)
	h.Set("x-stainless-arch", fp.Arch)
	h.Set("x-stainless-runtime", fp.Runtime)
	h.Set("x-stainless-runtime-version", fp.RuntimeVersion)

	if opts.Stream {
		h.Set("x-stainless-helper-method", "stream")
	}
	if opts.Beta != "" {
		h.Set("anthropic-beta", opts.Beta)
	}

	return h
}

func baselineFingerprint() *Fingerprint {
	return &Fingerprint{
		UserAgent:      "claude-cli/" + cliVersion + " (external, cli)",
		PackageVersion: "0.55.1",
		OS:             "MacOS",
		Arch:           "arm64",
		Runtime:        "node",
		RuntimeVersion: "v20.18.1",
	}
}

// BuildURL derives the final request URL from the configured messages
// endpoint: the count_tokens variant rewrites the path, and a non-empty
// beta header appends ?beta=true.
func BuildURL(baseURL, beta string, isCountTokens bool) string {
	url := baseURL
	if isCountTokens && !strings.Contains(url, "count_tokens") {
		url = strings.TrimSuffix(url, "/") + "/count_tokens"
	}
	if beta != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "beta=true"
	}
	return url
}
