package identity

import (
	"regexp"
	"strings"
)

// Beta feature tokens.
const (
	BetaClaudeCode       = "claude-code-20250219"
	BetaOAuth            = "oauth-2025-04-20"
	BetaInterleaved      = "interleaved-thinking-2025-05-14"
	BetaFineGrainedTools = "fine-grained-tool-streaming-2025-05-14"
	BetaContext1M        = "context-1m-2025-08-07"
	BetaTokenCounting    = "token-counting-2024-11-01"
)

// betaOrder is the canonical emission order. Tokens outside this list are
// appended after, in the order they were requested.
var betaOrder = []string{
	BetaClaudeCode,
	BetaOAuth,
	BetaInterleaved,
	BetaFineGrainedTools,
	BetaContext1M,
	BetaTokenCounting,
}

var codeCapableModel = regexp.MustCompile(`(?i)sonnet|opus`)

// interleavedModels are the only models accepting interleaved thinking.
var interleavedModels = map[string]bool{
	"claude-sonnet-4-20250514": true,
	"claude-opus-4-20250514":   true,
	"claude-opus-4-1-20250805": true,
}

// betaRules gate tokens per model. Tokens without a rule are always allowed.
var betaRules = map[string]func(model string) bool{
	BetaInterleaved: func(model string) bool { return interleavedModels[model] },
	BetaClaudeCode:  func(model string) bool { return codeCapableModel.MatchString(model) },
}

// SelectBeta assembles the anthropic-beta header value for a request.
// Base tokens are admitted per their model rules; the client's context-1m
// hint and the count-tokens token are appended when applicable. The result
// follows the canonical ordering.
func SelectBeta(model, baseBeta, clientBeta string, isCountTokens bool) string {
	requested := make([]string, 0, 8)
	seen := make(map[string]bool)

	add := func(token string) {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			return
		}
		if rule, ok := betaRules[token]; ok && !rule(model) {
			return
		}
		seen[token] = true
		requested = append(requested, token)
	}

	for _, token := range strings.Split(baseBeta, ",") {
		add(token)
	}
	if strings.Contains(clientBeta, BetaContext1M) {
		add(BetaContext1M)
	}
	if isCountTokens {
		add(BetaTokenCounting)
	}

	if len(requested) == 0 {
		return ""
	}

	ordered := make([]string, 0, len(requested))
	for _, token := range betaOrder {
		if seen[token] {
			ordered = append(ordered, token)
			seen[token] = false
		}
	}
	for _, token := range requested {
		if seen[token] {
			ordered = append(ordered, token)
		}
	}
	return strings.Join(ordered, ",")
}
