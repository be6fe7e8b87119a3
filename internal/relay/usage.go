package relay

import (
	"encoding/json"

	"github.com/okabe/claude-relay/internal/identity"
)

// Usage is the token accounting for one relay request, shaped like the
// vendor's usage object plus the serving account.
type Usage struct {
	Model                    string `json:"model"`
	InputTokens              int    `json:"input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
	Ephemeral5mInputTokens   int    `json:"ephemeral_5m_input_tokens,omitempty"`
	Ephemeral1hInputTokens   int    `json:"ephemeral_1h_input_tokens,omitempty"`
	AccountID                string `json:"accountId"`

	// Estimated is set when token counts were derived from body length
	// rather than reported by the upstream.
	Estimated bool `json:"-"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5m int `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

func (u *Usage) applyWire(w wireUsage) {
	if w.InputTokens > 0 {
		u.InputTokens = w.InputTokens
	}
	if w.OutputTokens > 0 {
		u.OutputTokens = w.OutputTokens
	}
	if w.CacheCreationInputTokens > 0 {
		u.CacheCreationInputTokens = w.CacheCreationInputTokens
	}
	if w.CacheReadInputTokens > 0 {
		u.CacheReadInputTokens = w.CacheReadInputTokens
	}
	if w.CacheCreation != nil {
		u.Ephemeral5mInputTokens = w.CacheCreation.Ephemeral5m
		u.Ephemeral1hInputTokens = w.CacheCreation.Ephemeral1h
	}
}

// usageFromResponse extracts the usage object from a buffered response body.
// When absent, token counts are estimated at one per four characters of the
// request and response bodies.
func usageFromResponse(respBody, reqBody []byte, model string) Usage {
	var payload struct {
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &payload); err == nil &&
		(payload.Usage.InputTokens > 0 || payload.Usage.OutputTokens > 0) {
		u := Usage{Model: model}
		if payload.Model != "" {
			u.Model = payload.Model
		}
		u.applyWire(payload.Usage)
		return u
	}

	return Usage{
		Model:        model,
		InputTokens:  len(reqBody) / 4,
		OutputTokens: len(respBody) / 4,
		Estimated:    true,
	}
}

// costUSD prices a usage record against the pricing table. Unknown models
// cost zero.
func costUSD(pricing *identity.PricingTable, u Usage) float64 {
	p, ok := pricing.Lookup(u.Model)
	if !ok {
		return 0
	}
	return float64(u.InputTokens)*p.InputPrice +
		float64(u.OutputTokens)*p.OutputPrice +
		float64(u.CacheCreationInputTokens)*p.CacheWritePrice +
		float64(u.CacheReadInputTokens)*p.CacheReadPrice
}
