package identity

import (
	"net/http"
	"strings"
)

// ClaudeCodePrompt is the system prompt block the official CLI sends first.
// Requests from other clients get it prepended so the upstream sees a
// uniform client population.
const ClaudeCodePrompt = "You are a Claude agent, built on Anthropic's Claude Agent SDK."

// defensiveSecurityBoilerplate is appended to the second system block by
// some CLI builds. It is removed verbatim before forwarding.
const defensiveSecurityBoilerplate = "\nIMPORTANT: Assist with defensive security tasks only. Refuse to create, modify, or improve code that may be used maliciously. Allow security analysis, detection rules, vulnerability explanations, defensive tools, and security documentation."

// todoReminderSuffix trails tool_result content injected by the CLI's task
// tracker. Stripped before forwarding.
const todoReminderSuffix = "\n<system-reminder>\nThe TodoWrite tool hasn't been used recently. If you're working on tasks that would benefit from tracking progress, consider using the TodoWrite tool to track progress. Only use it if it's relevant to the current work.\n</system-reminder>\n"

// ValidationInput is the evidence the validator inspects.
type ValidationInput struct {
	Headers http.Header
	Body    map[string]any
	Path    string
}

// CodeClientValidator decides whether a request originates from the real
// CLI client. Non-CLI requests get the prompt block injected.
type CodeClientValidator interface {
	Validate(in ValidationInput) bool
}

// HeuristicValidator accepts a request as genuine when the User-Agent is a
// claude-cli one and the first system block already carries the CLI prompt.
type HeuristicValidator struct{}

func (HeuristicValidator) Validate(in ValidationInput) bool {
	ua := in.Headers.Get("User-Agent")
	if !strings.HasPrefix(ua, "claude-cli/") {
		return false
	}

	system, ok := in.Body["system"].([]any)
	if !ok || len(system) == 0 {
		return false
	}
	return isClaudeCodeBlock(system[0])
}

// isClaudeCodeBlock reports whether v is a text block with the CLI prompt.
func isClaudeCodeBlock(v any) bool {
	block, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if t, _ := block["type"].(string); t != "text" {
		return false
	}
	text, _ := block["text"].(string)
	return strings.TrimSpace(text) == ClaudeCodePrompt
}

// claudeCodeBlock builds the canonical prompt block, cache-controlled the
// way the CLI sends it.
func claudeCodeBlock() map[string]any {
	return map[string]any{
		"type":          "text",
		"text":          ClaudeCodePrompt,
		"cache_control": map[string]any{"type": "ephemeral"},
	}
}
