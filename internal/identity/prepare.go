package identity

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/okabe/claude-relay/internal/account"
	"github.com/okabe/claude-relay/internal/config"
)

// ModelVariantThinking is the only recognized model suffix.
const ModelVariantThinking = "thinking"

const defaultThinkingBudget = 31999

var unifiedUserIDPattern = regexp.MustCompile(`^user_[a-f0-9]{64}(_account__session_[a-f0-9-]{36})$`)

// Preparer normalizes request bodies before they go upstream: variant
// handling, prompt injection, token ceilings, client-id rewriting.
type Preparer struct {
	cfg       *config.Config
	pricing   *PricingTable
	validator CodeClientValidator
}

func NewPreparer(cfg *config.Config, pricing *PricingTable, validator CodeClientValidator) *Preparer {
	return &Preparer{cfg: cfg, pricing: pricing, validator: validator}
}

// PrepareBody returns the processed request body. The input is never
// mutated. Count-token requests pass through untouched.
func (p *Preparer) PrepareBody(body map[string]any, clientHeaders http.Header, acct *account.Account, isCountTokens bool) map[string]any {
	if isCountTokens {
		return body
	}

	out := deepCopy(body)

	model, variant := splitModelVariant(stringField(out, "model"))
	out["model"] = model

	stripSecurityBoilerplate(out)
	stripToolResultReminders(out)
	p.clampMaxTokens(out, model)
	stripCacheTTLs(out)

	if !p.validator.Validate(ValidationInput{Headers: clientHeaders, Body: out, Path: "/v1/messages"}) {
		injectClaudeCodePrompt(out)
	}
	p.appendOperatorPrompt(out)
	dropEmptySystem(out)

	delete(out, "top_p")

	if acct != nil && acct.UseUnifiedClientID && acct.UnifiedClientID != "" {
		applyUnifiedClientID(out, acct.UnifiedClientID)
	}

	if variant == ModelVariantThinking {
		out["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": thinkingBudget(out),
		}
	}

	return out
}

func deepCopy(body map[string]any) map[string]any {
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("body copy failed", "error", err)
		return body
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("body copy failed", "error", err)
		return body
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func splitModelVariant(model string) (base, variant string) {
	if base, ok := strings.CutSuffix(model, ":"+ModelVariantThinking); ok {
		return base, ModelVariantThinking
	}
	return model, ""
}

// stripSecurityBoilerplate removes the CLI's injected security notice from
// the second system block.
func stripSecurityBoilerplate(body map[string]any) {
	system, ok := body["system"].([]any)
	if !ok || len(system) < 2 {
		return
	}
	block, ok := system[1].(map[string]any)
	if !ok {
		return
	}
	if t, _ := block["type"].(string); t != "text" {
		return
	}
	text, _ := block["text"].(string)
	if strings.Contains(text, defensiveSecurityBoilerplate) {
		block["text"] = strings.Replace(text, defensiveSecurityBoilerplate, "", 1)
	}
}

// stripToolResultReminders drops the task-tracker reminder the CLI appends
// to tool_result content.
func stripToolResultReminders(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok || msg["role"] != "user" {
			continue
		}
		content, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			block, ok := c.(map[string]any)
			if !ok || block["type"] != "tool_result" {
				continue
			}
			if text, ok := block["content"].(string); ok && strings.HasSuffix(text, todoReminderSuffix) {
				block["content"] = strings.TrimSuffix(text, todoReminderSuffix)
			}
		}
	}
}

func (p *Preparer) clampMaxTokens(body map[string]any, model string) {
	requested, ok := body["max_tokens"].(float64)
	if !ok {
		return
	}
	ceiling, ok := p.pricing.MaxTokensFor(model)
	if !ok {
		return
	}
	if int(requested) > ceiling {
		slog.Debug("max_tokens clamped",
			"model", model, "requested", int(requested), "ceiling", ceiling)
		body["max_tokens"] = float64(ceiling)
	}
}

// stripCacheTTLs removes ttl from every cache_control object in system
// blocks and nested message content blocks.
func stripCacheTTLs(body map[string]any) {
	if system, ok := body["system"].([]any); ok {
		for _, b := range system {
			stripBlockTTL(b)
		}
	}
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].([]any); ok {
			for _, c := range content {
				stripBlockTTL(c)
			}
		}
	}
}

func stripBlockTTL(v any) {
	block, ok := v.(map[string]any)
	if !ok {
		return
	}
	if cc, ok := block["cache_control"].(map[string]any); ok {
		delete(cc, "ttl")
	}
}

// injectClaudeCodePrompt makes the canonical prompt block the first system
// entry, deduplicating copies found elsewhere.
func injectClaudeCodePrompt(body map[string]any) {
	switch system := body["system"].(type) {
	case string:
		if strings.TrimSpace(system) == ClaudeCodePrompt {
			body["system"] = []any{claudeCodeBlock()}
			return
		}
		body["system"] = []any{
			claudeCodeBlock(),
			map[string]any{"type": "text", "text": system},
		}

	case []any:
		if len(system) > 0 && isClaudeCodeBlock(system[0]) {
			return
		}
		kept := make([]any, 0, len(system)+1)
		kept = append(kept, claudeCodeBlock())
		for _, b := range system {
			if !isClaudeCodeBlock(b) {
				kept = append(kept, b)
			}
		}
		body["system"] = kept

	default:
		body["system"] = []any{claudeCodeBlock()}
	}
}

// appendOperatorPrompt adds the operator-configured system prompt unless an
// identical block is already present.
func (p *Preparer) appendOperatorPrompt(body map[string]any) {
	prompt := strings.TrimSpace(p.cfg.SystemPrompt)
	if prompt == "" {
		return
	}
	system, ok := body["system"].([]any)
	if !ok {
		return
	}
	for _, b := range system {
		if block, ok := b.(map[string]any); ok {
			if text, _ := block["text"].(string); text == prompt {
				return
			}
		}
	}
	body["system"] = append(system, map[string]any{"type": "text", "text": prompt})
}

// dropEmptySystem deletes system when no block carries non-empty text.
func dropEmptySystem(body map[string]any) {
	system, ok := body["system"].([]any)
	if !ok {
		return
	}
	for _, b := range system {
		if block, ok := b.(map[string]any); ok {
			if text, _ := block["text"].(string); strings.TrimSpace(text) != "" {
				return
			}
		}
	}
	delete(body, "system")
}

// applyUnifiedClientID ensures metadata.user_id carries the account's
// canonical client id while keeping the caller's session suffix.
func applyUnifiedClientID(body map[string]any, clientID string) {
	metadata, ok := body["metadata"].(map[string]any)
	if !ok {
		metadata = map[string]any{}
		body["metadata"] = metadata
	}

	userID, _ := metadata["user_id"].(string)
	if userID == "" {
		metadata["user_id"] = "user_" + clientID + "_account__session_" + uuid.NewString()
		return
	}
	if m := unifiedUserIDPattern.FindStringSubmatch(userID); m != nil {
		metadata["user_id"] = "user_" + clientID + m[1]
	}
}

func thinkingBudget(body map[string]any) float64 {
	if maxTokens, ok := body["max_tokens"].(float64); ok && maxTokens > 1 {
		return maxTokens - 1
	}
	return defaultThinkingBudget
}
