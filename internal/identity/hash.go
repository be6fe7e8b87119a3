package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SessionHash derives the sticky-session key for a request. Preference
// order: the session suffix of metadata.user_id, then the system prompt,
// then the first message. Returns "" when nothing stable exists, in which
// case the request routes without affinity.
func SessionHash(body map[string]any) string {
	if metadata, ok := body["metadata"].(map[string]any); ok {
		if userID, _ := metadata["user_id"].(string); userID != "" {
			if i := strings.Index(userID, "_session_"); i >= 0 {
				return digest(userID[i+len("_session_"):])
			}
		}
	}

	if system, ok := body["system"]; ok {
		if raw, err := json.Marshal(system); err == nil && len(raw) > 4 {
			return digest(string(raw))
		}
	}

	if messages, ok := body["messages"].([]any); ok && len(messages) > 0 {
		if raw, err := json.Marshal(messages[0]); err == nil {
			return digest(string(raw))
		}
	}

	return ""
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
