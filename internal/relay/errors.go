package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/okabe/claude-relay/internal/transport"
)

const maxErrorDetailBytes = 2048

// statusForConnError maps a classified connection-error code to the HTTP
// status reported to streaming clients.
func statusForConnError(code string) int {
	switch code {
	case transport.CodeConnReset, transport.CodeDNSFailure, transport.CodeConnRefused:
		return http.StatusBadGateway
	case transport.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type sseErrorFrame struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// writeSSEError emits one terminal error event on the client stream.
func writeSSEError(w io.Writer, flusher http.Flusher, status int, message, details string) {
	frame := sseErrorFrame{
		Error:     message,
		Status:    status,
		Details:   sanitizeDetails(details),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

var bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]+`)

// sanitizeDetails trims oversized upstream bodies and scrubs anything that
// looks like a credential before it reaches a client.
func sanitizeDetails(s string) string {
	if len(s) > maxErrorDetailBytes {
		s = s[:maxErrorDetailBytes]
	}
	return bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
}
