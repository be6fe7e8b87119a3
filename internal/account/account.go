package account

import (
	"strconv"
	"time"

	"github.com/okabe/claude-relay/internal/proxyagent"
)

// Account is a vendor OAuth account in the relay pool. The relay core reads
// accounts and flips health flags; creation and mutation belong to the
// management subsystem.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
	Status   string `json:"status"` // active, error, blocked, disabled
	Priority int    `json:"priority"`

	Proxy *proxyagent.Descriptor `json:"proxy,omitempty"`

	// BanMode randomizes the outbound client fingerprint.
	BanMode bool `json:"banMode"`

	// Unified client identity
	UseUnifiedClientID  bool   `json:"useUnifiedClientId"`
	UnifiedClientID     string `json:"unifiedClientId,omitempty"` // 64 hex chars
	UseUnifiedUserAgent bool   `json:"useUnifiedUserAgent"`
	UnifiedUserAgent    string `json:"unifiedUserAgent,omitempty"`

	// Token lifecycle (epoch milliseconds)
	ExpiresAt  int64      `json:"expiresAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`

	SessionWindowStatus string `json:"sessionWindowStatus,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// Type is the scheduler-facing account class. Only OAuth accounts exist in
// this pool today.
const TypeOAuth = "claude-official"

func fromFields(id string, data map[string]string) *Account {
	if len(data) == 0 {
		return nil
	}

	a := &Account{
		ID:                  id,
		Name:                data["name"],
		IsActive:            data["isActive"] == "true",
		Status:              data["status"],
		BanMode:             data["banMode"] == "true",
		UseUnifiedClientID:  data["useUnifiedClientId"] == "true",
		UnifiedClientID:     data["unifiedClientId"],
		UseUnifiedUserAgent: data["useUnifiedUserAgent"] == "true",
		UnifiedUserAgent:    data["unifiedUserAgent"],
		SessionWindowStatus: data["sessionWindowStatus"],
		ErrorMessage:        data["errorMessage"],
	}

	a.Priority, _ = strconv.Atoi(data["priority"])
	a.ExpiresAt, _ = strconv.ParseInt(data["expiresAt"], 10, 64)

	if v := data["lastUsedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			a.LastUsedAt = &t
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			a.CreatedAt = t
		}
	}
	if v := data["proxy"]; v != "" {
		if d, err := proxyagent.Parse(v); err == nil {
			a.Proxy = d
		}
	}

	return a
}
