package identity

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

//go:embed pricing_default.json
var defaultPricing []byte

// ModelPricing is one row of the pricing table. Only the output ceiling is
// consulted by the preparer; cost fields feed the usage ledger.
type ModelPricing struct {
	MaxTokens       int     `json:"max_tokens,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	InputPrice      float64 `json:"input_cost_per_token,omitempty"`
	OutputPrice     float64 `json:"output_cost_per_token,omitempty"`
	CacheWritePrice float64 `json:"cache_creation_input_token_cost,omitempty"`
	CacheReadPrice  float64 `json:"cache_read_input_token_cost,omitempty"`
}

// PricingTable lazily loads model pricing from disk, falling back to the
// embedded snapshot when the file is missing or unreadable. A load failure
// is logged once and never aborts a request.
type PricingTable struct {
	path string

	once   sync.Once
	models map[string]ModelPricing
}

func NewPricingTable(path string) *PricingTable {
	return &PricingTable{path: path}
}

func (t *PricingTable) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		slog.Warn("pricing file unavailable, using embedded table",
			"path", t.path, "error", err)
		data = defaultPricing
	}

	var models map[string]ModelPricing
	if err := json.Unmarshal(data, &models); err != nil {
		slog.Error("pricing table unparseable", "path", t.path, "error", err)
		if err := json.Unmarshal(defaultPricing, &models); err != nil {
			models = map[string]ModelPricing{}
		}
	}
	t.models = models
}

// Lookup returns the pricing row for the full model name.
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	t.once.Do(t.load)
	p, ok := t.models[model]
	return p, ok
}

// MaxTokensFor returns the output-token ceiling for the model, preferring
// max_tokens over max_output_tokens. Unknown models report no ceiling.
func (t *PricingTable) MaxTokensFor(model string) (int, bool) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	if p.MaxTokens > 0 {
		return p.MaxTokens, true
	}
	if p.MaxOutputTokens > 0 {
		return p.MaxOutputTokens, true
	}
	return 0, false
}
