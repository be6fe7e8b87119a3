package relay

import (
	"testing"

	"github.com/okabe/claude-relay/internal/identity"
)

func TestUsageFromResponseParsesUsage(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":7,"cache_creation":{"ephemeral_5m_input_tokens":3,"ephemeral_1h_input_tokens":4}}}`)

	u := usageFromResponse(body, []byte(`{}`), "request-model")
	if u.Estimated {
		t.Fatal("reported usage flagged as estimated")
	}
	if u.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %q", u.Model)
	}
	if u.InputTokens != 100 || u.OutputTokens != 50 || u.CacheReadInputTokens != 7 {
		t.Fatalf("tokens = %+v", u)
	}
	if u.Ephemeral5mInputTokens != 3 || u.Ephemeral1hInputTokens != 4 {
		t.Fatalf("ephemeral = %+v", u)
	}
}

func TestUsageFromResponseEstimates(t *testing.T) {
	req := make([]byte, 400)
	resp := []byte(`{"id":"msg_1","content":[]}`)

	u := usageFromResponse(resp, req, "m")
	if !u.Estimated {
		t.Fatal("missing usage should be estimated")
	}
	if u.InputTokens != 100 {
		t.Fatalf("estimated input = %d, want 100", u.InputTokens)
	}
	if u.OutputTokens != len(resp)/4 {
		t.Fatalf("estimated output = %d", u.OutputTokens)
	}
}

func TestCostUSD(t *testing.T) {
	pricing := identity.NewPricingTable("testdata/none.json")

	u := Usage{
		Model:        "claude-sonnet-4-20250514",
		InputTokens:  1000,
		OutputTokens: 1000,
	}
	got := costUSD(pricing, u)
	want := 1000*3e-6 + 1000*1.5e-5
	if diff := got - want; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("cost = %v, want %v", got, want)
	}

	if costUSD(pricing, Usage{Model: "unknown"}) != 0 {
		t.Fatal("unknown model should cost zero")
	}
}
